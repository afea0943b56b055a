package fs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

func writeLocal(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestFSBackend_StoreAndDelete(t *testing.T) {
	base := t.TempDir()
	staging := t.TempDir()
	backend, err := New(Config{BaseDir: base, URLPrefix: "https://cdn.example.com/files/"})
	require.NoError(t, err)

	ctx := context.Background()
	local := writeLocal(t, staging, "photo.jpg", "hello fs")

	key, err := backend.PathFor("photo.jpg", ingest.RepresentationThumbnail)
	require.NoError(t, err)
	assert.Equal(t, "thumbnails/photo.jpg", key)

	require.NoError(t, backend.Store(ctx, local, key))

	got, err := os.ReadFile(filepath.Join(base, "thumbnails", "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "hello fs", string(got))

	exists, err := backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	uri, err := backend.PublicURI(key)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/files/thumbnails/photo.jpg", uri)

	require.NoError(t, backend.Delete(ctx, key))
	_, err = os.Stat(filepath.Join(base, "thumbnails"))
	assert.True(t, os.IsNotExist(err), "empty directory should be cleaned up")

	exists, err = backend.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSBackend_StoreIsIdempotent(t *testing.T) {
	base := t.TempDir()
	backend, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	ctx := context.Background()

	local := writeLocal(t, t.TempDir(), "a.txt", "same bytes")
	require.NoError(t, backend.Store(ctx, local, "files/a.txt"))
	info1, err := os.Stat(filepath.Join(base, "files", "a.txt"))
	require.NoError(t, err)

	require.NoError(t, backend.Store(ctx, local, "files/a.txt"))
	info2, err := os.Stat(filepath.Join(base, "files", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime(), "identical content must not be rewritten")

	changed := writeLocal(t, t.TempDir(), "a.txt", "other byte")
	require.NoError(t, backend.Store(ctx, changed, "files/a.txt"))
	got, err := os.ReadFile(filepath.Join(base, "files", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "other byte", string(got))
}

func TestFSBackend_DeleteAbsent(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	assert.NoError(t, backend.Delete(context.Background(), "files/never-stored.jpg"))
}

func TestFSBackend_StoreMissingLocal(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	err = backend.Store(context.Background(), filepath.Join(t.TempDir(), "gone"), "files/gone")
	require.Error(t, err)
	var storageErr *ingest.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "store", storageErr.Op)
	assert.Equal(t, "fs", storageErr.Backend)
}

func TestFSBackend_RejectsEscapingPaths(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	local := writeLocal(t, t.TempDir(), "x", "x")

	for _, key := range []string{"../outside", "/abs/path", ""} {
		assert.Error(t, backend.Store(context.Background(), local, key), key)
	}
}

func TestFSBackend_PublicURINoPrefix(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	_, err = backend.PublicURI("files/a.jpg")
	assert.Error(t, err)
}

func TestFSBackend_ConcurrentSamePath(t *testing.T) {
	base := t.TempDir()
	backend, err := New(Config{BaseDir: base})
	require.NoError(t, err)
	local := writeLocal(t, t.TempDir(), "c.bin", "converge")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = backend.Store(context.Background(), local, "files/c.bin")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := os.ReadFile(filepath.Join(base, "files", "c.bin"))
	require.NoError(t, err)
	assert.Equal(t, "converge", string(got))
}

func TestNew_RequiresBaseDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestFSBackend_Download(t *testing.T) {
	backend, err := New(Config{BaseDir: t.TempDir(), URLPrefix: "/media"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, backend.Store(ctx, writeLocal(t, t.TempDir(), "clip.mp3", "ID3 frames"), "files/clip.mp3"))

	rc, err := backend.Download(ctx, "files/clip.mp3")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ID3 frames", string(data))

	_, err = backend.Download(ctx, "files/missing.mp3")
	assert.ErrorIs(t, err, ingest.ErrRepresentationMissing)

	_, err = backend.Download(ctx, "../outside")
	assert.Error(t, err)
}
