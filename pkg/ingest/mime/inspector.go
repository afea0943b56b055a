package mime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// Inspection is what content inspection reports for a file.
type Inspection struct {
	// MIMEType is the detected type with parameters
	// (e.g. "text/plain; charset=utf-8").
	MIMEType string
	// Description is a human readable type description, or empty.
	Description string
}

// Inspector detects the MIME type of a file from its content signature and,
// when the file(1) utility is installed, reads its type description.
type Inspector struct {
	filePath string
	logger   *zap.Logger
}

// InspectorOption configures an Inspector
type InspectorOption func(*Inspector)

// WithFileCommand overrides the file(1) binary; empty disables descriptions.
func WithFileCommand(path string) InspectorOption {
	return func(i *Inspector) {
		i.filePath = path
	}
}

// WithInspectorLogger sets the logger
func WithInspectorLogger(logger *zap.Logger) InspectorOption {
	return func(i *Inspector) {
		i.logger = logger
	}
}

// NewInspector creates an inspector. The file(1) binary is looked up on
// PATH; descriptions stay empty when it is missing.
func NewInspector(opts ...InspectorOption) *Inspector {
	i := &Inspector{logger: zap.NewNop()}
	if p, err := exec.LookPath("file"); err == nil {
		i.filePath = p
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect reports the MIME type and description of the file at path.
func (i *Inspector) Inspect(ctx context.Context, path string) (Inspection, error) {
	if _, err := os.Stat(path); err != nil {
		return Inspection{}, fmt.Errorf("inspect %s: %w", path, err)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return Inspection{}, fmt.Errorf("detect mime type of %s: %w", path, err)
	}

	return Inspection{
		MIMEType:    mt.String(),
		Description: i.describe(ctx, path),
	}, nil
}

func (i *Inspector) describe(ctx context.Context, path string) string {
	if i.filePath == "" {
		return ""
	}
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, i.filePath, "-b", path)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		i.logger.Debug("file description unavailable", zap.String("path", path), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(out.String())
}
