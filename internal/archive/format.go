package archive

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Format identifies an archive container and its outer compression.
type Format int

const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
	FormatTarBz2
	FormatTarXz
	FormatSevenZip
)

var formatTags = map[Format]string{
	FormatZip:      "zip",
	FormatTar:      "tar",
	FormatTarGz:    "tar.gz",
	FormatTarBz2:   "tar.bz2",
	FormatTarXz:    "tar.xz",
	FormatSevenZip: "7z",
}

// Detection order matters: compound suffixes before their bare tails.
var suffixes = []struct {
	suffix string
	format Format
}{
	{".tar.gz", FormatTarGz},
	{".tar.bz2", FormatTarBz2},
	{".tar.xz", FormatTarXz},
	{".tar", FormatTar},
	{".gz", FormatTarGz},
	{".bz2", FormatTarBz2},
	{".xz", FormatTarXz},
	{".zip", FormatZip},
	{".7z", FormatSevenZip},
}

// ParseFormat maps a create tag ("zip", "tar", "tar.gz", "tar.bz2",
// "tar.xz", "7z") to a Format.
func ParseFormat(tag string) (Format, error) {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for f, t := range formatTags {
		if t == tag {
			return f, nil
		}
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, tag)
}

// DetectFormat infers the format from a stored filename, case-insensitively.
func DetectFormat(filename string) (Format, error) {
	lower := strings.ToLower(filepath.Base(filename))
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			return s.format, nil
		}
	}
	return FormatUnknown, fmt.Errorf("%w: %q", ErrUnsupportedFormat, filename)
}

// Stem strips the recognized archive suffix from filename. A name left with
// only dots and spaces, such as "" or "..", yields "archive".
func Stem(filename string) string {
	base := filepath.Base(filename)
	lower := strings.ToLower(base)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s.suffix) {
			base = base[:len(base)-len(s.suffix)]
			break
		}
	}
	if strings.Trim(base, ". ") == "" {
		return "archive"
	}
	return base
}

func (f Format) String() string {
	if t, ok := formatTags[f]; ok {
		return t
	}
	return "unknown"
}

// Extension is the suffix appended to archive names, without the dot.
func (f Format) Extension() string {
	return f.String()
}

// MimeType returns the content type recorded for archives of this format.
func (f Format) MimeType() string {
	switch f {
	case FormatZip:
		return "application/zip"
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz:
		return "application/x-tar"
	case FormatSevenZip:
		return "application/x-7z-compressed"
	}
	return "application/octet-stream"
}

// IsTar reports whether f belongs to the tar family.
func (f Format) IsTar() bool {
	switch f {
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz:
		return true
	}
	return false
}

// SupportsPassword reports whether create honors a password for f.
func (f Format) SupportsPassword() bool {
	return f == FormatZip || f == FormatSevenZip
}

func (f Format) valid() bool {
	_, ok := formatTags[f]
	return ok
}
