package ingest

import (
	"context"
	"io"
	"time"
)

// Hasher computes the size and content digest of a staged file
type Hasher interface {
	// Hash reads the file once. Fails with ErrIO when it cannot be read.
	Hash(path string) (Digest, error)
}

// Inspector performs OS-level content inspection at creation time
type Inspector interface {
	Inspect(ctx context.Context, path string) (Inspection, error)
}

// Analyzer runs media-aware analysis over an archive file.
//
// Analyze returns ErrNotReadable when the file cannot be read. Any other
// trouble inside the analysis itself is reported through Analysis.Degraded
// rather than as an error.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (*Analysis, error)
}

// DerivativeGenerator renders derivative files into the staging directory
type DerivativeGenerator interface {
	// Generate writes every derivative of originalPath next to it, named by
	// LocalName. It returns false with no error for types it does not
	// convert and ErrInvalidFilename when the original has no extension.
	Generate(ctx context.Context, originalPath, mimeType string) (bool, error)
}

// Storage defines where durable bytes live
type Storage interface {
	// PathFor returns the canonical storage path of a representation
	PathFor(filename string, rep Representation) (string, error)

	// Store copies localPath to canonicalPath. Storing identical bytes at
	// the same path again succeeds without change.
	Store(ctx context.Context, localPath, canonicalPath string) error

	// Delete removes canonicalPath. An absent path is not an error.
	Delete(ctx context.Context, canonicalPath string) error

	// PublicURI resolves a retrieval address without doing I/O
	PublicURI(canonicalPath string) (string, error)

	// Exists reports whether bytes are present at canonicalPath
	Exists(ctx context.Context, canonicalPath string) (bool, error)

	// Download opens the bytes stored at canonicalPath. A missing path
	// yields an error matching ErrRepresentationMissing.
	Download(ctx context.Context, canonicalPath string) (io.ReadCloser, error)
}

// Repository defines the interface for file record persistence
type Repository interface {
	// CreateFile assigns rec.ID and persists the record
	CreateFile(ctx context.Context, rec *FileRecord) error
	GetFile(ctx context.Context, id int64) (*FileRecord, error)
	// UpdateFile persists the mutable fields of rec in a single write, as
	// long as the persisted record is still in state from. It returns
	// ErrConflict when the record has moved on and ErrFileNotFound when it
	// is gone.
	UpdateFile(ctx context.Context, rec *FileRecord, from State) error
	DeleteFile(ctx context.Context, id int64) error
	ListFiles(ctx context.Context, params ListFilesParams) ([]*FileRecord, error)
}

// ItemLookup resolves the parent item a file belongs to
type ItemLookup interface {
	ItemExists(ctx context.Context, itemID int64) (bool, error)
}

// Dispatcher hands jobs to background workers. Delivery is at least once.
type Dispatcher interface {
	Enqueue(ctx context.Context, queue, jobType string, payload JobPayload) error
}

// Receiver is the consuming side of a Dispatcher
type Receiver interface {
	// Receive blocks until a job is available or ctx is done
	Receive(ctx context.Context, queue string) (Delivery, error)
}

// Delivery is one received job awaiting acknowledgement
type Delivery interface {
	Job() Job
	// Ack removes the job for good
	Ack(ctx context.Context) error
	// Nack releases the job, putting it back on the queue when requeue is set
	Nack(ctx context.Context, requeue bool) error
}

// EventSink defines the interface for lifecycle event handling
type EventSink interface {
	// FileCreated is fired once the record is persisted and enqueued
	FileCreated(ctx context.Context, rec *FileRecord) error

	// FileProcessed is fired after the derived state is persisted
	FileProcessed(ctx context.Context, rec *FileRecord, outcome ProcessOutcome) error

	// FileStored is fired after every representation is stored
	FileStored(ctx context.Context, rec *FileRecord) error

	// FileDeleted is fired after the record is removed
	FileDeleted(ctx context.Context, id int64) error
}

// Clock returns the current time
type Clock func() time.Time
