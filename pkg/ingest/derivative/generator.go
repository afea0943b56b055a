// Package derivative renders the fullsize, thumbnail and square thumbnail
// renditions of image uploads into the staging directory.
package derivative

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/tendant/simple-ingest/pkg/ingest"
	"github.com/tendant/simple-ingest/pkg/ingest/mime"
)

// Sizes holds the bounding box of each rendition, in pixels.
type Sizes struct {
	Fullsize        int `yaml:"fullsize" env:"FULLSIZE" env-default:"800"`
	Thumbnail       int `yaml:"thumbnail" env:"THUMBNAIL" env-default:"200"`
	SquareThumbnail int `yaml:"square_thumbnail" env:"SQUARE_THUMBNAIL" env-default:"200"`
}

// DefaultSizes are the rendition constraints used when none are configured.
var DefaultSizes = Sizes{Fullsize: 800, Thumbnail: 200, SquareThumbnail: 200}

// DefaultQuality is the JPEG quality of every rendition.
const DefaultQuality = 85

var convertible = map[string]bool{
	"image/jpeg":  true,
	"image/pjpeg": true,
	"image/png":   true,
	"image/gif":   true,
	"image/bmp":   true,
	"image/tiff":  true,
}

// Generator implements ingest.DerivativeGenerator with imaging.
type Generator struct {
	sizes   Sizes
	quality int
	logger  *zap.Logger
}

// Option configures a Generator
type Option func(*Generator)

// WithSizes sets the rendition constraints
func WithSizes(s Sizes) Option {
	return func(g *Generator) {
		g.sizes = s
	}
}

// WithQuality sets the JPEG quality (1-100)
func WithQuality(q int) Option {
	return func(g *Generator) {
		g.quality = q
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// New creates a generator
func New(opts ...Option) *Generator {
	g := &Generator{sizes: DefaultSizes, quality: DefaultQuality, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(g)
	}
	if g.quality < 1 || g.quality > 100 {
		g.quality = DefaultQuality
	}
	return g
}

var _ ingest.DerivativeGenerator = (*Generator)(nil)

// Supports reports whether renditions can be produced for mimeType.
func Supports(mimeType string) bool {
	return convertible[mime.Normalize(mimeType)]
}

// Generate writes every rendition of originalPath into its directory. It is
// all or nothing: when any rendition fails the ones already written are
// removed.
func (g *Generator) Generate(ctx context.Context, originalPath, mimeType string) (bool, error) {
	if !Supports(mimeType) {
		return false, nil
	}

	dir, archive := filepath.Split(originalPath)
	targets := make(map[ingest.Representation]string, 3)
	for _, rep := range ingest.Derivatives() {
		name, err := ingest.LocalName(archive, rep)
		if err != nil {
			return false, err
		}
		targets[rep] = filepath.Join(dir, name)
	}

	src, err := imaging.Open(originalPath, imaging.AutoOrientation(true))
	if err != nil {
		return false, fmt.Errorf("decode %s: %w", originalPath, err)
	}

	var written []string
	for _, rep := range ingest.Derivatives() {
		if err := ctx.Err(); err != nil {
			removeAll(written)
			return false, err
		}
		out := g.render(src, rep)
		if err := g.save(out, targets[rep]); err != nil {
			removeAll(written)
			return false, fmt.Errorf("write %s: %w", rep, err)
		}
		written = append(written, targets[rep])
	}

	g.logger.Debug("derivatives generated",
		zap.String("original", originalPath),
		zap.Int("count", len(written)))
	return true, nil
}

func (g *Generator) render(src image.Image, rep ingest.Representation) image.Image {
	switch rep {
	case ingest.RepresentationSquareThumbnail:
		s := g.sizes.SquareThumbnail
		return imaging.Fill(src, s, s, imaging.Center, imaging.Lanczos)
	case ingest.RepresentationThumbnail:
		return fit(src, g.sizes.Thumbnail)
	default:
		return fit(src, g.sizes.Fullsize)
	}
}

// fit scales src down to fit a bound x bound box. Smaller images are kept as
// they are.
func fit(src image.Image, bound int) image.Image {
	b := src.Bounds()
	if b.Dx() <= bound && b.Dy() <= bound {
		return imaging.Clone(src)
	}
	return imaging.Fit(src, bound, bound, imaging.Lanczos)
}

// save encodes to a temp file in the target directory and renames it into
// place so a reader never sees a half-written rendition.
func (g *Generator) save(img image.Image, target string) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".derivative-*."+ingest.DerivativeExt)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	encErr := imaging.Encode(tmp, img, imaging.JPEG, imaging.JPEGQuality(g.quality))
	closeErr := tmp.Close()
	if err := errors.Join(encErr, closeErr); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func removeAll(paths []string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
