package metadata

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	"github.com/gabriel-vasile/mimetype"

	"github.com/tendant/simple-ingest/pkg/ingest/mime"
)

// imageSection reads dimensions and, when present, EXIF tags of a still
// image.
func imageSection(r io.ReadSeeker, mt *mimetype.MIME, format string) (map[string]any, error) {
	section := map[string]any{
		"dataformat": format,
		"mime_type":  mime.Normalize(mt.String()),
	}

	cfg, _, err := image.DecodeConfig(r)
	switch {
	case err == nil:
		section["resolution_x"] = cfg.Width
		section["resolution_y"] = cfg.Height
	case errors.Is(err, image.ErrFormat):
		// not decodable by the registered codecs; keep the format only
	default:
		return nil, fmt.Errorf("decode image header: %w", err)
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if err := exifTags(r, section); err != nil {
		return nil, err
	}
	return section, nil
}

func exifTags(r io.Reader, section map[string]any) error {
	raw, err := exif.SearchAndExtractExifWithReader(r)
	if err != nil {
		if errors.Is(err, exif.ErrNoExif) {
			return nil
		}
		return fmt.Errorf("search exif: %w", err)
	}

	entries, _, err := exif.GetFlatExifData(raw, &exif.ScanOptions{})
	if err != nil {
		return fmt.Errorf("parse exif entries: %w", err)
	}

	for _, entry := range entries {
		if entry.ChildIfdPath != "" || entry.TagName == "" {
			continue
		}
		if _, seen := section[entry.TagName]; seen {
			continue
		}
		if value, ok := exifScalar(entry); ok {
			section[entry.TagName] = value
		}
	}
	return nil
}

// exifScalar renders an entry holding a single value. Text tags count as
// one value whatever their length; multi-valued numeric tags and opaque
// blobs are skipped.
func exifScalar(entry exif.ExifTag) (string, bool) {
	if entry.TagTypeId != exifcommon.TypeAscii && entry.UnitCount != 1 {
		return "", false
	}
	if entry.TagTypeId == exifcommon.TypeUndefined {
		return "", false
	}
	value := strings.TrimRight(strings.Split(entry.FormattedFirst, "\x00")[0], " ")
	return value, value != ""
}
