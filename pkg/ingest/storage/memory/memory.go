package memory

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

const backendName = "memory"

// Backend is an in-memory implementation of the ingest.Storage interface
type Backend struct {
	mu       sync.RWMutex
	objects  map[string][]byte
	failures map[string]error
	writes   int
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects:  make(map[string][]byte),
		failures: make(map[string]error),
	}
}

var _ ingest.Storage = (*Backend)(nil)

// PathFor returns the canonical path of a representation
func (b *Backend) PathFor(filename string, rep ingest.Representation) (string, error) {
	return ingest.PathFor(filename, rep)
}

// Store reads localPath into memory under canonicalPath
func (b *Backend) Store(ctx context.Context, localPath, canonicalPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return &ingest.StorageError{Backend: backendName, Key: canonicalPath, Op: "store", Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.failures[canonicalPath]; ok {
		return &ingest.StorageError{Backend: backendName, Key: canonicalPath, Op: "store", Err: err}
	}
	if existing, ok := b.objects[canonicalPath]; ok && bytes.Equal(existing, data) {
		return nil
	}
	b.objects[canonicalPath] = data
	b.writes++
	return nil
}

// Delete removes canonicalPath; absent paths are ignored
func (b *Backend) Delete(ctx context.Context, canonicalPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.failures[canonicalPath]; ok {
		return &ingest.StorageError{Backend: backendName, Key: canonicalPath, Op: "delete", Err: err}
	}
	delete(b.objects, canonicalPath)
	return nil
}

// Exists reports whether canonicalPath holds bytes
func (b *Backend) Exists(ctx context.Context, canonicalPath string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.objects[canonicalPath]
	return ok, nil
}

// Download returns a reader over a copy of the stored bytes
func (b *Backend) Download(ctx context.Context, canonicalPath string) (io.ReadCloser, error) {
	data, ok := b.Get(canonicalPath)
	if !ok {
		return nil, &ingest.StorageError{Backend: backendName, Key: canonicalPath, Op: "download", Err: ingest.ErrRepresentationMissing}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// PublicURI returns a memory:// address
func (b *Backend) PublicURI(canonicalPath string) (string, error) {
	return "memory://" + strings.TrimLeft(canonicalPath, "/"), nil
}

// Get returns a copy of the bytes stored at canonicalPath
func (b *Backend) Get(canonicalPath string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	data, ok := b.objects[canonicalPath]
	if !ok {
		return nil, false
	}
	return bytes.Clone(data), true
}

// Keys lists the stored canonical paths in order
func (b *Backend) Keys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Writes counts the stores that changed content
func (b *Backend) Writes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.writes
}

// FailOn makes every store and delete of canonicalPath fail with err until
// cleared with ClearFailures.
func (b *Backend) FailOn(canonicalPath string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[canonicalPath] = err
}

// ClearFailures removes every injected failure
func (b *Backend) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[string]error)
}
