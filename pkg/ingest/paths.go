package ingest

import (
	"fmt"
	"path"
	"strings"
)

// DerivativeExt is the single output format of every derivative rendition.
const DerivativeExt = "jpg"

var representationDirs = map[Representation]string{
	RepresentationArchive:         "files",
	RepresentationFullsize:        "fullsize",
	RepresentationThumbnail:       "thumbnails",
	RepresentationSquareThumbnail: "square_thumbnails",
}

var derivatives = []Representation{
	RepresentationFullsize,
	RepresentationThumbnail,
	RepresentationSquareThumbnail,
}

// Derivatives returns the derivative representations in generation order.
func Derivatives() []Representation {
	out := make([]Representation, len(derivatives))
	copy(out, derivatives)
	return out
}

// Dir returns the storage subdirectory of a representation.
func (r Representation) Dir() (string, error) {
	dir, ok := representationDirs[r]
	if !ok {
		return "", fmt.Errorf("unknown representation %q", r)
	}
	return dir, nil
}

// IsDerivative reports whether r is a generated rendition.
func (r Representation) IsDerivative() bool {
	_, ok := representationDirs[r]
	return ok && r != RepresentationArchive
}

// ParseRepresentation validates a representation name.
func ParseRepresentation(s string) (Representation, error) {
	r := Representation(s)
	if _, err := r.Dir(); err != nil {
		return "", err
	}
	return r, nil
}

// DerivativeFilename returns the name shared by every derivative of an
// archive file: the archive base name with DerivativeExt replacing its
// extension. The split happens at the last dot, so "a.b.png" becomes
// "a.b.jpg".
func DerivativeFilename(archiveFilename string) (string, error) {
	base, err := splitBase(archiveFilename)
	if err != nil {
		return "", err
	}
	return base + "." + DerivativeExt, nil
}

func splitBase(filename string) (string, error) {
	name := path.Base(filename)
	i := strings.LastIndex(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	return name[:i], nil
}

// PathFor computes the canonical storage-relative path of a representation:
// "{dir}/{archiveFilename}" for the archive and "{dir}/{derivative name}"
// for derivatives.
func PathFor(archiveFilename string, rep Representation) (string, error) {
	dir, err := rep.Dir()
	if err != nil {
		return "", err
	}
	name := archiveFilename
	if rep != RepresentationArchive {
		if name, err = DerivativeFilename(archiveFilename); err != nil {
			return "", err
		}
	}
	return dir + "/" + name, nil
}

// LocalName is the staging file name of a representation: the archive
// filename itself, or "{rep}_{derivative name}".
func LocalName(archiveFilename string, rep Representation) (string, error) {
	if _, err := rep.Dir(); err != nil {
		return "", err
	}
	if rep == RepresentationArchive {
		return archiveFilename, nil
	}
	fn, err := DerivativeFilename(archiveFilename)
	if err != nil {
		return "", err
	}
	return string(rep) + "_" + fn, nil
}
