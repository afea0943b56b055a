package ingest

import (
	"time"

	"github.com/samber/lo"

	"github.com/tendant/simple-ingest/pkg/ingest/mime"
)

// State is the lifecycle state of a file record.
type State string

// File states (typed).
const (
	StateStaged   State = "staged"
	StateAnalyzed State = "analyzed"
	StateDerived  State = "derived"
	StateStored   State = "stored"
	StateDeleted  State = "deleted"
)

// Representation names one of the forms a file is kept in.
type Representation string

// Representation constants (typed).
const (
	RepresentationArchive         Representation = "archive"
	RepresentationFullsize        Representation = "fullsize"
	RepresentationThumbnail       Representation = "thumbnail"
	RepresentationSquareThumbnail Representation = "square_thumbnail"
)

// Job constants for the background processing job.
const (
	QueueUploads         = "uploads"
	JobTypeProcessUpload = "ProcessUploadJob"
)

// FileRecord describes one uploaded file.
//
// MIMEBrowser holds the definitive MIME type. It starts as the type reported
// by the client and may be replaced by content inspection when that value is
// ambiguous. ArchiveFilename, OriginalFilename, MIMEOS, TypeOS, ItemID and
// CreatedAt never change after creation.
type FileRecord struct {
	ID               int64              `json:"id"`
	ItemID           int64              `json:"item_id"`
	ArchiveFilename  string             `json:"archive_filename"`
	OriginalFilename string             `json:"original_filename"`
	Size             int64              `json:"size"`
	ContentHash      string             `json:"content_hash"`
	MIMEBrowser      string             `json:"mime_browser"`
	MIMEOS           string             `json:"mime_os"`
	TypeOS           string             `json:"type_os"`
	HasDerivatives   bool               `json:"has_derivatives"`
	Stored           bool               `json:"stored"`
	State            State              `json:"state"`
	Metadata         *TechnicalMetadata `json:"metadata,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	ModifiedAt       time.Time          `json:"modified_at"`
}

// MIMEType returns the definitive MIME type of the file.
func (f *FileRecord) MIMEType() string {
	return f.MIMEBrowser
}

// HasThumbnail reports whether thumbnail renditions exist for the file.
func (f *FileRecord) HasThumbnail() bool {
	return f.HasDerivatives
}

// HasFullsize reports whether a fullsize rendition exists for the file.
func (f *FileRecord) HasFullsize() bool {
	return f.HasDerivatives
}

// Representations lists every representation the record implies exists:
// the archive, plus all derivatives when HasDerivatives is set.
func (f *FileRecord) Representations() []Representation {
	reps := []Representation{RepresentationArchive}
	if f.HasDerivatives {
		reps = append(reps, Derivatives()...)
	}
	return reps
}

// Clone returns a deep copy of the record.
func (f *FileRecord) Clone() *FileRecord {
	c := *f
	if f.Metadata != nil {
		c.Metadata = f.Metadata.Clone()
	}
	return &c
}

// TechnicalMetadata is the structured document produced by file analysis.
// Video also covers still images. Values are scalars only.
type TechnicalMetadata struct {
	Audio map[string]any `json:"audio,omitempty"`
	Video map[string]any `json:"video,omitempty"`
}

// IsEmpty reports whether neither section carries any field.
func (m *TechnicalMetadata) IsEmpty() bool {
	return m == nil || (len(m.Audio) == 0 && len(m.Video) == 0)
}

// Clone returns a copy that shares no maps with m.
func (m *TechnicalMetadata) Clone() *TechnicalMetadata {
	if m == nil {
		return nil
	}
	c := &TechnicalMetadata{}
	if m.Audio != nil {
		c.Audio = make(map[string]any, len(m.Audio))
		for k, v := range m.Audio {
			c.Audio[k] = v
		}
	}
	if m.Video != nil {
		c.Video = make(map[string]any, len(m.Video))
		for k, v := range m.Video {
			c.Video[k] = v
		}
	}
	return c
}

// Project returns the document filtered to the given field names. Each
// section keeps only the allowed fields it has. An empty allow-list returns
// the whole document.
func (m *TechnicalMetadata) Project(fields []string) *TechnicalMetadata {
	if m == nil {
		return &TechnicalMetadata{Audio: map[string]any{}, Video: map[string]any{}}
	}
	if len(fields) == 0 {
		return m.Clone()
	}
	return &TechnicalMetadata{
		Audio: lo.PickByKeys(m.Audio, fields),
		Video: lo.PickByKeys(m.Video, fields),
	}
}

// Digest is the output of content hashing.
type Digest struct {
	Size int64
	Hash string
}

// Inspection is what an OS-level content inspector reports for a file.
type Inspection = mime.Inspection

// Analysis is the outcome of media-aware analysis of an archive file.
type Analysis struct {
	// MIMEType is the media type the analyzer recognized. Empty means the
	// analyzer could not classify the file.
	MIMEType string
	// Metadata is nil when extraction was skipped or failed.
	Metadata *TechnicalMetadata
	// Degraded is set when extraction was unavailable or failed.
	Degraded bool
}

// ProcessOutcome reports what the Analyzed -> Derived transition recorded.
type ProcessOutcome struct {
	MIMEType       string
	MIMECorrected  bool
	HasMetadata    bool
	Degraded       bool
	HasDerivatives bool
}

// JobPayload is the payload of a ProcessUploadJob. It carries only the file
// id; the worker reloads everything else.
type JobPayload struct {
	FileID int64 `json:"fileId"`
}

// Job is one queued unit of work.
type Job struct {
	ID         string     `json:"id"`
	Queue      string     `json:"queue"`
	Type       string     `json:"type"`
	Payload    JobPayload `json:"payload"`
	Attempts   int        `json:"attempts"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}
