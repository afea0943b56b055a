package ingest

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Error types
var (
	// ErrFileNotFound indicates a file record was not found
	ErrFileNotFound = errors.New("file not found")

	// ErrItemNotFound indicates the parent item of a file does not exist
	ErrItemNotFound = errors.New("item not found")

	// ErrIO indicates a staged file could not be read
	ErrIO = errors.New("staged file unreadable")

	// ErrNotReadable indicates the archive file could not be read for analysis
	ErrNotReadable = errors.New("archive file not readable")

	// ErrInvalidFilename indicates a filename lacks the extension derivative naming needs
	ErrInvalidFilename = errors.New("invalid filename for derivative naming")

	// ErrInvalidState indicates the operation does not fit the record's lifecycle state
	ErrInvalidState = errors.New("invalid file state")

	// ErrRepresentationMissing indicates a derivative was requested for a file without derivatives
	ErrRepresentationMissing = errors.New("representation does not exist")

	// ErrPartialStore indicates one or more representations failed to reach storage
	ErrPartialStore = errors.New("partial store failure")

	// ErrStorageDelete indicates storage cleanup failed for one or more representations
	ErrStorageDelete = errors.New("storage delete failure")

	// ErrConflict indicates the record left the expected state before an update was written
	ErrConflict = errors.New("file record changed concurrently")
)

// FileError represents an error related to a file record operation
type FileError struct {
	FileID int64
	Op     string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file operation %s failed for file %d: %v", e.Op, e.FileID, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// StorageError represents an error related to storage operations
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// PartialStoreError reports which representations failed to store. The
// record stays below stored and the job can be retried.
type PartialStoreError struct {
	FileID int64
	Stored []Representation
	Failed map[Representation]error
}

func (e *PartialStoreError) Error() string {
	return fmt.Sprintf("%v for file %d: %s", ErrPartialStore, e.FileID, describeFailures(e.Failed))
}

func (e *PartialStoreError) Is(target error) bool {
	return target == ErrPartialStore
}

func (e *PartialStoreError) Unwrap() []error {
	return failureErrors(e.Failed)
}

// StorageDeleteError reports representations whose bytes could not be
// removed while deleting a file. The record itself is already gone.
type StorageDeleteError struct {
	FileID int64
	Failed map[Representation]error
}

func (e *StorageDeleteError) Error() string {
	return fmt.Sprintf("%v for file %d: %s", ErrStorageDelete, e.FileID, describeFailures(e.Failed))
}

func (e *StorageDeleteError) Is(target error) bool {
	return target == ErrStorageDelete
}

func (e *StorageDeleteError) Unwrap() []error {
	return failureErrors(e.Failed)
}

func sortedReps(m map[Representation]error) []Representation {
	reps := make([]Representation, 0, len(m))
	for r := range m {
		reps = append(reps, r)
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i] < reps[j] })
	return reps
}

func describeFailures(m map[Representation]error) string {
	parts := make([]string, 0, len(m))
	for _, r := range sortedReps(m) {
		parts = append(parts, fmt.Sprintf("%s: %v", r, m[r]))
	}
	return strings.Join(parts, "; ")
}

func failureErrors(m map[Representation]error) []error {
	errs := make([]error, 0, len(m))
	for _, r := range sortedReps(m) {
		errs = append(errs, m[r])
	}
	return errs
}
