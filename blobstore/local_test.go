package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/alloclog/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalStore(tmpDir)
	ctx := t.Context()

	data := []byte(`{"metadata":{},"allocations":[]}`)
	require.NoError(t, store.Put(ctx, "run-1/app_memory_analysis.json", data))
	require.NoError(t, store.Put(ctx, "run-1/app_lifetime.json", []byte("{}")))
	require.NoError(t, store.Put(ctx, "run-2/app_lifetime.json", []byte("{}")))

	// Nested names land in subdirectories.
	_, err := os.Stat(filepath.Join(tmpDir, "run-1", "app_memory_analysis.json"))
	require.NoError(t, err)

	got, err := store.Get(ctx, "run-1/app_memory_analysis.json")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	names, err := store.List(ctx, "run-1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"run-1/app_lifetime.json", "run-1/app_memory_analysis.json"}, names)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.Delete(ctx, "run-1/app_lifetime.json"))
	_, err = store.Get(ctx, "run-1/app_lifetime.json")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting twice is fine.
	require.NoError(t, store.Delete(ctx, "run-1/app_lifetime.json"))
}

func TestLocalStore_Overwrite(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "a.json", []byte("first")))
	require.NoError(t, store.Put(ctx, "a.json", []byte("second")))

	got, err := store.Get(ctx, "a.json")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestLocalStore_EmptyBlob(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, "empty", nil))
	got, err := store.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLocalStore_RejectsEscapingNames(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx := t.Context()

	for _, name := range []string{"../outside", "/abs/path", ""} {
		err := store.Put(ctx, name, []byte("x"))
		require.Error(t, err, name)
		assert.ErrorIs(t, err, model.ErrValidationFailed, name)
	}
}

func TestLocalStore_ListMissingRoot(t *testing.T) {
	store := NewLocalStore(filepath.Join(t.TempDir(), "missing"))

	names, err := store.List(t.Context(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLocalStore_CancelledContext(t *testing.T) {
	store := NewLocalStore(t.TempDir())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	require.ErrorIs(t, store.Put(ctx, "a", []byte("x")), context.Canceled)
	_, err := store.Get(ctx, "a")
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()

	data := []byte("report")
	require.NoError(t, store.Put(ctx, "b/2.json", data))
	require.NoError(t, store.Put(ctx, "b/1.json", data))
	require.NoError(t, store.Put(ctx, "c/1.json", data))

	// Mutating the input does not affect the stored copy.
	data[0] = 'X'
	got, err := store.Get(ctx, "b/1.json")
	require.NoError(t, err)
	assert.Equal(t, "report", string(got))

	names, err := store.List(ctx, "b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1.json", "b/2.json"}, names)

	require.NoError(t, store.Delete(ctx, "b/1.json"))
	_, err = store.Get(ctx, "b/1.json")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 2, store.Len())
}

func TestPutFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "report.json")
	require.NoError(t, os.WriteFile(src, []byte("{}\n"), 0o644))

	store := NewMemoryStore()
	n, err := PutFile(t.Context(), store, Join("runs", "abc", "report.json"), src)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := store.Get(t.Context(), "runs/abc/report.json")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(got))

	_, err = PutFile(t.Context(), store, "missing", filepath.Join(dir, "missing.json"))
	require.ErrorIs(t, err, model.ErrIO)
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "a/b/c", Join("a", "b", "c"))
	assert.Equal(t, "b/c", Join("", "b", "c"))
	assert.Equal(t, "a/c", Join("a/", "", "c"))
}
