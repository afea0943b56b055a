package fs

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

const backendName = "fs"

// Backend is a filesystem implementation of the ingest.Storage interface
type Backend struct {
	mu        sync.RWMutex
	baseDir   string
	urlPrefix string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir   string // Base directory for durable files
	URLPrefix string // Public URL prefix the base directory is served under
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{
		baseDir:   filepath.Clean(config.BaseDir),
		urlPrefix: strings.TrimRight(config.URLPrefix, "/"),
	}, nil
}

var _ ingest.Storage = (*Backend)(nil)

// PathFor returns the canonical path of a representation
func (b *Backend) PathFor(filename string, rep ingest.Representation) (string, error) {
	return ingest.PathFor(filename, rep)
}

func (b *Backend) resolve(canonicalPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(canonicalPath))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid canonical path %q", canonicalPath)
	}
	return filepath.Join(b.baseDir, clean), nil
}

// Store copies localPath into the base directory. Existing identical
// content is left alone.
func (b *Backend) Store(ctx context.Context, localPath, canonicalPath string) error {
	target, err := b.resolve(canonicalPath)
	if err != nil {
		return b.wrap("store", canonicalPath, err)
	}

	src, err := os.Open(localPath)
	if err != nil {
		return b.wrap("store", canonicalPath, err)
	}
	defer src.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	if same, err := sameContent(src, target); err != nil {
		return b.wrap("store", canonicalPath, err)
	} else if same {
		return nil
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return b.wrap("store", canonicalPath, err)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return b.wrap("store", canonicalPath, fmt.Errorf("failed to create directory: %w", err))
	}

	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return b.wrap("store", canonicalPath, err)
	}
	tmpName := tmp.Name()

	_, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmpName)
		return b.wrap("store", canonicalPath, fmt.Errorf("failed to write file: %w", err))
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return b.wrap("store", canonicalPath, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return b.wrap("store", canonicalPath, err)
	}
	return nil
}

// sameContent reports whether target already holds the bytes of src.
func sameContent(src *os.File, target string) (bool, error) {
	srcInfo, err := src.Stat()
	if err != nil {
		return false, err
	}
	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if info.Size() != srcInfo.Size() {
		return false, nil
	}

	srcSum, err := fileSum(src)
	if err != nil {
		return false, err
	}
	dst, err := os.Open(target)
	if err != nil {
		return false, err
	}
	defer dst.Close()
	dstSum, err := fileSum(dst)
	if err != nil {
		return false, err
	}
	return bytes.Equal(srcSum, dstSum), nil
}

func fileSum(f *os.File) ([]byte, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Delete deletes content from the filesystem. A missing file is not an
// error.
func (b *Backend) Delete(ctx context.Context, canonicalPath string) error {
	target, err := b.resolve(canonicalPath)
	if err != nil {
		return b.wrap("delete", canonicalPath, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(target); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return b.wrap("delete", canonicalPath, fmt.Errorf("failed to delete file: %w", err))
	}

	b.cleanupEmptyDirectories(filepath.Dir(target))
	return nil
}

// Exists reports whether a file is present at canonicalPath
func (b *Backend) Exists(ctx context.Context, canonicalPath string) (bool, error) {
	target, err := b.resolve(canonicalPath)
	if err != nil {
		return false, b.wrap("exists", canonicalPath, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	info, err := os.Stat(target)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, b.wrap("exists", canonicalPath, err)
	}
	return info.Mode().IsRegular(), nil
}

// Download opens the file stored at canonicalPath
func (b *Backend) Download(ctx context.Context, canonicalPath string) (io.ReadCloser, error) {
	target, err := b.resolve(canonicalPath)
	if err != nil {
		return nil, b.wrap("download", canonicalPath, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	f, err := os.Open(target)
	if os.IsNotExist(err) {
		return nil, b.wrap("download", canonicalPath, ingest.ErrRepresentationMissing)
	} else if err != nil {
		return nil, b.wrap("download", canonicalPath, fmt.Errorf("failed to open file: %w", err))
	}
	return f, nil
}

// PublicURI joins the URL prefix and the canonical path
func (b *Backend) PublicURI(canonicalPath string) (string, error) {
	if b.urlPrefix == "" {
		return "", errors.New("URL prefix is not configured for filesystem backend")
	}
	return b.urlPrefix + "/" + strings.TrimLeft(canonicalPath, "/"), nil
}

// cleanupEmptyDirectories recursively removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir {
		return
	}

	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}

func (b *Backend) wrap(op, key string, err error) error {
	return &ingest.StorageError{Backend: backendName, Key: key, Op: op, Err: err}
}
