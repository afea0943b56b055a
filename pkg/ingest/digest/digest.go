// Package digest computes the size and content hash of staged files.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/tendant/simple-ingest/pkg/ingest"
)

// MD5 hashes files with MD5, the digest kept in a record's content hash.
type MD5 struct{}

// New returns the default hasher
func New() *MD5 {
	return &MD5{}
}

// Hash reads the file at path once and returns its size and hex digest.
func (MD5) Hash(path string) (ingest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Digest{}, fmt.Errorf("%w: %v", ingest.ErrIO, err)
	}
	defer f.Close()

	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return ingest.Digest{}, fmt.Errorf("%w: read %s: %v", ingest.ErrIO, path, err)
	}
	return ingest.Digest{Size: n, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}

// Reader hashes an already open stream.
func Reader(r io.Reader) (ingest.Digest, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return ingest.Digest{}, fmt.Errorf("%w: %v", ingest.ErrIO, err)
	}
	return ingest.Digest{Size: n, Hash: hex.EncodeToString(h.Sum(nil))}, nil
}
