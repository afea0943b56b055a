// Package metadata extracts technical metadata from archive files.
//
// The Analyzer produces a two-section document: "audio" for audio streams and
// "video" for moving and still images. Extraction problems never surface as
// errors; they are reported through Analysis.Degraded so the pipeline can
// continue without metadata. Only a file that cannot be read at all fails.
package metadata

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/pkg/ingest"
	"github.com/tendant/simple-ingest/pkg/ingest/mime"
)

// DefaultMaxSize bounds the files the analyzer will parse.
const DefaultMaxSize int64 = 512 << 20

// Analyzer implements ingest.Analyzer
type Analyzer struct {
	maxSize int64
	logger  *zap.Logger
}

// Option configures an Analyzer
type Option func(*Analyzer)

// WithMaxSize sets the largest file that is parsed for metadata. Larger
// files are classified but their extraction is reported degraded.
func WithMaxSize(n int64) Option {
	return func(a *Analyzer) {
		a.maxSize = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		a.logger = logger
	}
}

// New creates an analyzer
func New(opts ...Option) *Analyzer {
	a := &Analyzer{maxSize: DefaultMaxSize, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ ingest.Analyzer = (*Analyzer)(nil)

// Analyze classifies the file at path and extracts its technical metadata.
//
// The returned MIME type is empty when detection itself lands on one of the
// ambiguous sentinels, so a generic detection never replaces a client type.
func (a *Analyzer) Analyze(ctx context.Context, path string) (*ingest.Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ingest.ErrNotReadable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ingest.ErrNotReadable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ingest.ErrNotReadable, path)
	}

	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ingest.ErrNotReadable, err)
	}
	detected := mime.Normalize(mt.String())

	analysis := &ingest.Analysis{}
	if !mime.IsAmbiguous(detected) {
		analysis.MIMEType = detected
	}

	log := a.logger.With(zap.String("path", path), zap.String("mime_type", detected))

	if a.maxSize > 0 && info.Size() > a.maxSize {
		log.Warn("file too large for metadata extraction", zap.Int64("size", info.Size()))
		analysis.Degraded = true
		return analysis, nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("%w: %v", ingest.ErrNotReadable, err)
	}

	doc, err := extract(ctx, f, mt)
	if err != nil {
		log.Warn("metadata extraction failed", zap.Error(err))
		analysis.Degraded = true
		return analysis, nil
	}
	if !doc.IsEmpty() {
		analysis.Metadata = doc
	}
	return analysis, nil
}

// extract dispatches on the detected type family. Parser panics on
// malformed input are turned into errors.
func extract(ctx context.Context, f *os.File, mt *mimetype.MIME) (doc *ingest.TechnicalMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc, err = nil, fmt.Errorf("metadata parser panic: %v", r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	family := strings.SplitN(mime.Normalize(mt.String()), "/", 2)[0]
	format := strings.TrimPrefix(mt.Extension(), ".")

	switch family {
	case "audio":
		audio, err := audioSection(f, format)
		if err != nil {
			return nil, err
		}
		return &ingest.TechnicalMetadata{Audio: audio}, nil
	case "image":
		video, err := imageSection(f, mt, format)
		if err != nil {
			return nil, err
		}
		return &ingest.TechnicalMetadata{Video: video}, nil
	case "video":
		return &ingest.TechnicalMetadata{Video: map[string]any{
			"dataformat": format,
			"mime_type":  mime.Normalize(mt.String()),
		}}, nil
	default:
		return nil, nil
	}
}
