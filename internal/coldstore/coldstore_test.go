package coldstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), 8)
	require.NoError(t, err)
	return store
}

func TestPutGet(t *testing.T) {
	store := newTestStore(t)

	data := []byte("compressed payload")
	require.NoError(t, store.Put("sha256:abcd1234", data))

	got, err := store.Get("sha256:abcd1234")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	size, ok := store.Stat("sha256:abcd1234")
	assert.True(t, ok)
	assert.Equal(t, int64(len(data)), size)
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get("sha256:feedface")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutExistingIsNoop(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("sha256:00ff", []byte("original")))
	// Content addressing: a second put under the same digest never
	// rewrites the object.
	require.NoError(t, store.Put("sha256:00ff", []byte("original")))

	got, err := store.Get("sha256:00ff")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("sha256:dead", []byte("gone soon")))
	require.NoError(t, store.Delete("sha256:dead"))

	_, err := store.Get("sha256:dead")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, store.Delete("sha256:dead"))
}

func TestGetSurvivesCacheEviction(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("sha256:0101", []byte("on disk")))
	store.EvictCached("sha256:0101")

	got, err := store.Get("sha256:0101")
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), got)
}

func TestObjects(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Put("sha256:aabb01", []byte("one")))
	require.NoError(t, store.Put("sha256:ccdd02", []byte("three")))

	seen := make(map[string]int64)
	for digest, size := range store.Objects() {
		seen[digest] = size
	}
	assert.Equal(t, map[string]int64{"aabb01": 3, "ccdd02": 5}, seen)
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := newTestStore(t)

	data := []byte("serialized context state")
	require.NoError(t, store.WriteSnapshot(42, data))

	got, err := store.ReadSnapshot(42)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, store.DeleteSnapshot(42))
	_, err = store.ReadSnapshot(42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnapshotWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, 8)
	require.NoError(t, err)

	require.NoError(t, store.WriteSnapshot(7, []byte("state")))

	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0].Name())
}
