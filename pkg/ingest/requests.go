package ingest

// Request DTOs

// CreateFileRequest contains parameters for ingesting a staged upload.
//
// StagedPath must point into the staging directory; its basename becomes the
// archive filename. OriginalFilename and ReportedMIMEType come from the
// client as-is.
type CreateFileRequest struct {
	ItemID           int64
	StagedPath       string
	OriginalFilename string
	ReportedMIMEType string
	// Digest is the size and hash of the staged bytes when the caller
	// computed them while staging. Nil makes Create hash the file itself.
	Digest *Digest
}

// ListFilesParams filters a file listing. Zero values disable a filter.
type ListFilesParams struct {
	ItemID int64
	States []State
	// Limit caps the number of records; zero means no cap.
	Limit int
	// Newest orders by creation time descending instead of by id.
	Newest bool
}
