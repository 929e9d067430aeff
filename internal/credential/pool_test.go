package credential

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

func TestPool_RotatesCircularly(t *testing.T) {
	t.Parallel()

	pool, err := NewPool([]harvest.Credential{
		{Name: "primary", BearerToken: "a"},
		{Name: "secondary", BearerToken: "b"},
		{Name: "tertiary", BearerToken: "c"},
	}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 3, pool.Size())
	require.Equal(t, "primary", pool.Current().Name)

	var seen []int
	for i := 0; i < 3; i++ {
		seen = append(seen, pool.Rotate().Index)
	}
	require.Equal(t, []int{1, 2, 0}, seen)
	require.Equal(t, 0, pool.ActiveIndex())
	require.Equal(t, "primary", pool.Current().Name)
}

func TestPool_SingleCredentialRotationIsNoop(t *testing.T) {
	t.Parallel()

	pool, err := NewPool([]harvest.Credential{{BearerToken: "only"}}, nil)
	require.NoError(t, err)

	first := pool.Current()
	require.Equal(t, first, pool.Rotate())
	require.Equal(t, 0, pool.ActiveIndex())
	require.Equal(t, "credential-0", first.Label())
}

func TestNewPool_RejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewPool(nil, zap.NewNop())
	require.Error(t, err)
}

func TestNewPool_AssignsIndexes(t *testing.T) {
	t.Parallel()

	pool, err := NewPool([]harvest.Credential{{Index: 7}, {Index: 7}}, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 0, pool.Current().Index)
	require.Equal(t, 1, pool.Rotate().Index)
}
