package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStore_PutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"data":[]}`)
	uri, err := store.PutObject(context.Background(), "pages/search/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://pages/search/abc.json", uri)

	payload[0] = 'X'
	obj, ok := store.Get("pages/search/abc.json")
	require.True(t, ok)
	require.Equal(t, `{"data":[]}`, string(obj.Data))
	require.Equal(t, "application/json", obj.ContentType)
	require.Equal(t, []string{"pages/search/abc.json"}, store.Paths())
}

func TestBlobStore_RejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
