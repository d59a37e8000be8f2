// Package pathsafe checks that paths taken from untrusted input stay inside
// a designated root directory.
//
// Paths are compared in cleaned absolute form. Symlinks are never resolved,
// so a link swapped in after validation cannot change the verdict; archive
// extraction handles link members explicitly instead.
package pathsafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrTraversal matches every *PathError via errors.Is.
var ErrTraversal = errors.New("path escapes root")

// PathError describes why a member name was rejected.
type PathError struct {
	Member string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("unsafe path %q: %s", e.Member, e.Reason)
}

// Is lets errors.Is(err, ErrTraversal) match.
func (e *PathError) Is(target error) bool {
	return target == ErrTraversal
}

// IsWithin reports whether candidate is root or a descendant of root.
// Both paths are made absolute and cleaned first.
func IsWithin(root, candidate string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	absCand, err := filepath.Abs(candidate)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absCand)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// ValidateMemberPath rejects archive member names that are absolute, contain
// a ".." segment, or would land outside root once joined and cleaned.
func ValidateMemberPath(root, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	if !IsWithin(root, filepath.Join(root, filepath.FromSlash(name))) {
		return &PathError{Member: name, Reason: "resolves outside root"}
	}
	return nil
}

// ValidateLinkTarget checks a symlink member: target is interpreted relative
// to the directory holding member, and the result must stay inside root.
func ValidateLinkTarget(root, member, target string) error {
	if target == "" {
		return &PathError{Member: member, Reason: "empty link target"}
	}
	if isAbsolute(target) {
		return &PathError{Member: member, Reason: "absolute link target"}
	}
	if strings.ContainsRune(target, 0) {
		return &PathError{Member: member, Reason: "link target contains NUL"}
	}
	dir := filepath.Dir(filepath.Join(root, filepath.FromSlash(member)))
	resolved := filepath.Join(dir, filepath.FromSlash(normalizeSeparators(target)))
	if !IsWithin(root, resolved) {
		return &PathError{Member: member, Reason: "link target resolves outside root"}
	}
	return nil
}

// ValidateHardlinkTarget checks a hardlink member, whose target is relative
// to the archive root rather than to the member's directory.
func ValidateHardlinkTarget(root, member, target string) error {
	if err := checkName(target); err != nil {
		return &PathError{Member: member, Reason: "hardlink target: " + err.(*PathError).Reason}
	}
	if !IsWithin(root, filepath.Join(root, filepath.FromSlash(target))) {
		return &PathError{Member: member, Reason: "hardlink target resolves outside root"}
	}
	return nil
}

func checkName(name string) error {
	if name == "" {
		return &PathError{Member: name, Reason: "empty name"}
	}
	if strings.ContainsRune(name, 0) {
		return &PathError{Member: name, Reason: "contains NUL"}
	}
	if isAbsolute(name) {
		return &PathError{Member: name, Reason: "absolute path"}
	}
	for _, seg := range strings.Split(normalizeSeparators(name), "/") {
		if seg == ".." {
			return &PathError{Member: name, Reason: "parent directory segment"}
		}
	}
	return nil
}

// isAbsolute treats both separators and drive letters as root markers no
// matter which OS built the archive.
func isAbsolute(p string) bool {
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	if len(p) >= 2 && p[1] == ':' && isLetter(p[0]) {
		return true
	}
	return filepath.IsAbs(p) || filepath.VolumeName(p) != ""
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func normalizeSeparators(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}
