package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	reset := time.Unix(1700000000, 0)
	testCases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"quota", NewQuotaExceeded(429, "slow down", &QuotaMeta{ResetAt: reset}), KindQuotaExceeded},
		{"wrapped quota", fmt.Errorf("fetch: %w", NewQuotaExceeded(429, "", nil)), KindQuotaExceeded},
		{"permanent", NewPermanent(404, "user not found"), KindPermanent},
		{"transient", NewTransient(503, errors.New("unavailable")), KindTransient},
		{"plain network error", errors.New("connection reset"), KindTransient},
		{"canceled", context.Canceled, KindPermanent},
		{"invalid input", fmt.Errorf("target: %w", ErrInvalidInput), KindPermanent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestQuotaOfAndResetAt(t *testing.T) {
	t.Parallel()

	reset := time.Unix(1700000000, 0)
	err := fmt.Errorf("search: %w", NewQuotaExceeded(429, "", &QuotaMeta{Remaining: 0, ResetAt: reset}))
	meta := QuotaOf(err)
	require.NotNil(t, meta)
	require.Equal(t, reset, meta.ResetAt)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, reset, remoteErr.ResetAt())
	require.Nil(t, QuotaOf(errors.New("other")))
}

func TestQuotaExhaustedError(t *testing.T) {
	t.Parallel()

	cause := NewQuotaExceeded(429, "too many requests", nil)
	err := fmt.Errorf("account elonmusk: %w", &QuotaExhaustedError{Category: CategoryTimeline, Retries: 7, Rotations: 2, Err: cause})

	require.True(t, IsQuotaExhausted(err))
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "quota exhausted for timeline after 7 retries and 2 rotations")
	require.False(t, IsQuotaExhausted(cause))
}

func TestTargetQueryAndContext(t *testing.T) {
	t.Parallel()

	require.Equal(t, "#bitcoin", Target{Value: "bitcoin", Kind: SourceHashtag}.Query())
	require.Equal(t, "#bitcoin", Target{Value: "#bitcoin", Kind: SourceHashtag}.SearchContext())
	require.Equal(t, "", Target{Value: "VitalikButerin", Kind: SourceAccount}.SearchContext())
	require.Equal(t, "crypto news", Target{Value: "crypto news", Kind: SourceSearch}.SearchContext())
}
