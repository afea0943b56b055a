package api

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// maxExtLen bounds the extension carried over from a client filename
const maxExtLen = 10

// stagedName returns a fresh archive filename for an upload. The base is a
// random uuid; the extension is taken from the client filename, folded to
// lowercase ASCII letters and digits.
func stagedName(original string) string {
	ext := sanitizeExt(filepath.Ext(filepath.Base(original)))
	if ext == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "." + ext
}

// sanitizeExt converts an extension to lowercase ASCII, mapping accented
// Latin letters to their base letter and dropping anything else
func sanitizeExt(ext string) string {
	ext = strings.TrimPrefix(ext, ".")

	var b strings.Builder
	b.Grow(len(ext))
	for _, r := range ext {
		if b.Len() >= maxExtLen {
			break
		}
		if r < unicode.MaxASCII {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(unicode.ToLower(r))
			}
			continue
		}
		if folded, ok := foldLatin(r); ok {
			b.WriteRune(folded)
		}
	}
	return b.String()
}

// foldLatin maps Latin-1 accented letters onto lowercase ASCII
func foldLatin(r rune) (rune, bool) {
	r = unicode.ToLower(r)
	switch {
	case r >= 'à' && r <= 'å':
		return 'a', true
	case r >= 'è' && r <= 'ë':
		return 'e', true
	case r >= 'ì' && r <= 'ï':
		return 'i', true
	case r >= 'ò' && r <= 'ö':
		return 'o', true
	case r >= 'ù' && r <= 'ü':
		return 'u', true
	case r == 'ç':
		return 'c', true
	case r == 'ñ':
		return 'n', true
	}
	return 0, false
}
