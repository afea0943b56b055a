package metadata

import (
	"errors"
	"io"
	"strings"

	"github.com/dhowden/tag"
)

// audioSection reads container tags. A file without tags still yields its
// data format.
func audioSection(r io.ReadSeeker, format string) (map[string]any, error) {
	section := map[string]any{"dataformat": format}

	m, err := tag.ReadFrom(r)
	if err != nil {
		if errors.Is(err, tag.ErrNoTagsFound) {
			return section, nil
		}
		return nil, err
	}

	if ft := string(m.FileType()); ft != "" && ft != string(tag.UnknownFileType) {
		section["dataformat"] = strings.ToLower(ft)
	}
	section["tag_format"] = string(m.Format())

	putString(section, "title", m.Title())
	putString(section, "artist", m.Artist())
	putString(section, "album", m.Album())
	putString(section, "album_artist", m.AlbumArtist())
	putString(section, "composer", m.Composer())
	putString(section, "genre", m.Genre())

	if year := m.Year(); year != 0 {
		section["year"] = year
	}
	if track, total := m.Track(); track != 0 {
		section["track_number"] = track
		if total != 0 {
			section["track_total"] = total
		}
	}
	if disc, total := m.Disc(); disc != 0 {
		section["disc_number"] = disc
		if total != 0 {
			section["disc_total"] = total
		}
	}
	return section, nil
}

func putString(section map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		section[key] = value
	}
}
