package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, ok, err := store.Get(ctx, KeyPosts)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, KeyPosts, []byte(`[1]`)))
	require.NoError(t, store.Set(ctx, KeyPosts, []byte(`[1,2]`)))

	value, ok, err := store.Get(ctx, KeyPosts)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[1,2]`, string(value))

	require.NoError(t, store.Delete(ctx, KeyPosts))
	_, ok, err = store.Get(ctx, KeyPosts)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, KeySession, []byte(`{"uid":"u1"}`)))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	value, ok, err := reopened.Get(ctx, KeySession)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"uid":"u1"}`, string(value))
}

func TestOpenBadPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing-dir", "local.db"))
	assert.Error(t, err)
}

func TestStoreClosed(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, _, err = store.Get(context.Background(), KeyPosts)
	assert.Error(t, err)
	assert.Error(t, store.Set(context.Background(), KeyPosts, []byte("x")))
}
