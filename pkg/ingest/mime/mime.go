// Package mime determines the authoritative content type of a file,
// reconciling the type a client reported with what content inspection finds.
package mime

import (
	"strings"

	"golang.org/x/exp/slices"
)

// Sentinel values content inspection tools emit when they cannot classify
// a file. They carry no information about the real type.
const (
	OctetStream = "application/octet-stream"
	PlainText   = "text/plain"
	RegularFile = "regular file"
)

var sentinels = []string{OctetStream, PlainText, RegularFile}

// Normalize strips any parameter segment after ";" and trims whitespace,
// so "text/html; charset=utf-8" becomes "text/html".
func Normalize(reported string) string {
	if i := strings.IndexByte(reported, ';'); i >= 0 {
		reported = reported[:i]
	}
	return strings.TrimSpace(reported)
}

// IsAmbiguous reports whether t is empty or one of the generic sentinels.
func IsAmbiguous(t string) bool {
	t = Normalize(t)
	return t == "" || slices.Contains(sentinels, t)
}

// Resolve returns detected when current is ambiguous and detected is not
// empty; otherwise current is kept. A specific type is never replaced.
func Resolve(current, detected string) string {
	detected = Normalize(detected)
	if IsAmbiguous(current) && detected != "" {
		return detected
	}
	return current
}
