package sqlite_store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swcache/pkg/cachestore"
)

func openTestStore(t *testing.T, path string) *SQLiteStore {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_requiresPath(t *testing.T) {
	_, err := Open(" ")
	assert.Error(t, err)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "swcache.db"))

	require.NoError(t, s.StoreBatch(ctx, []cachestore.KV{
		{Key: "e\x00v1\x00GET /a", V: []byte("1")},
		{Key: "n\x00v1", V: []byte("c")},
		{Key: "e\x00v1\x00GET /b", V: []byte("2")},
	}))
	require.NoError(t, s.StoreBatch(ctx, []cachestore.KV{{Key: "e\x00v1\x00GET /a", V: []byte("3")}}))
	assert.Equal(t, 3, s.Len())

	v, ok, err := s.Get(ctx, "e\x00v1\x00GET /a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("3"), v)

	v, ok, err = s.Get(ctx, "n\x00v1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("c"), v)

	_, ok, err = s.Get(ctx, "e\x00v2\x00GET /a")
	require.NoError(t, err)
	assert.False(t, ok)

	keys, err := s.Keys(ctx, "e\x00v1\x00")
	require.NoError(t, err)
	assert.Equal(t, []string{"e\x00v1\x00GET /a", "e\x00v1\x00GET /b"}, keys)

	keys, err = s.Keys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestSQLiteStore_persists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "swcache.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.StoreBatch(ctx, []cachestore.KV{{Key: "k", V: []byte("v")}}))
	require.NoError(t, s.Close())

	s = openTestStore(t, path)
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestSQLiteStore_canceledBatch(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "swcache.db"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.StoreBatch(ctx, []cachestore.KV{{Key: "a", V: []byte("1")}, {Key: "b", V: []byte("2")}})
	assert.Error(t, err)
	assert.Equal(t, 0, s.Len())
}
