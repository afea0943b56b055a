package ingest

import (
	"context"

	"go.uber.org/zap"
)

// NoopEventSink is a no-operation implementation of EventSink
type NoopEventSink struct{}

// NewNoopEventSink creates a new no-operation event sink
func NewNoopEventSink() EventSink {
	return &NoopEventSink{}
}

// FileCreated does nothing and returns nil
func (n *NoopEventSink) FileCreated(ctx context.Context, rec *FileRecord) error {
	return nil
}

// FileProcessed does nothing and returns nil
func (n *NoopEventSink) FileProcessed(ctx context.Context, rec *FileRecord, outcome ProcessOutcome) error {
	return nil
}

// FileStored does nothing and returns nil
func (n *NoopEventSink) FileStored(ctx context.Context, rec *FileRecord) error {
	return nil
}

// FileDeleted does nothing and returns nil
func (n *NoopEventSink) FileDeleted(ctx context.Context, id int64) error {
	return nil
}

// LoggingEventSink logs lifecycle events but takes no other action
type LoggingEventSink struct {
	logger *zap.Logger
}

// NewLoggingEventSink creates a new logging event sink
func NewLoggingEventSink(logger *zap.Logger) EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingEventSink{logger: logger.Named("events")}
}

// FileCreated logs the file creation event
func (l *LoggingEventSink) FileCreated(ctx context.Context, rec *FileRecord) error {
	l.logger.Info("file created",
		zap.Int64("file_id", rec.ID),
		zap.Int64("item_id", rec.ItemID),
		zap.String("archive_filename", rec.ArchiveFilename),
		zap.String("mime_type", rec.MIMEBrowser),
		zap.Int64("size", rec.Size),
	)
	return nil
}

// FileProcessed logs the analyze/derive outcome
func (l *LoggingEventSink) FileProcessed(ctx context.Context, rec *FileRecord, outcome ProcessOutcome) error {
	l.logger.Info("file processed",
		zap.Int64("file_id", rec.ID),
		zap.String("mime_type", outcome.MIMEType),
		zap.Bool("mime_corrected", outcome.MIMECorrected),
		zap.Bool("has_metadata", outcome.HasMetadata),
		zap.Bool("degraded", outcome.Degraded),
		zap.Bool("has_derivatives", outcome.HasDerivatives),
	)
	return nil
}

// FileStored logs the stored transition
func (l *LoggingEventSink) FileStored(ctx context.Context, rec *FileRecord) error {
	l.logger.Info("file stored",
		zap.Int64("file_id", rec.ID),
		zap.Int("representations", len(rec.Representations())),
	)
	return nil
}

// FileDeleted logs the file deletion event
func (l *LoggingEventSink) FileDeleted(ctx context.Context, id int64) error {
	l.logger.Info("file deleted", zap.Int64("file_id", id))
	return nil
}
