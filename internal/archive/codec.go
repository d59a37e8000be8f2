// Package archive creates, extracts and lists zip, tar (plain, gzip, bzip2,
// xz) and 7z archives.
//
// Extraction is all-or-nothing. Every member is enumerated and validated
// before anything is written, members are written into a staging directory
// next to the destination, and the staging directory is renamed into place
// only after the last member succeeds.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/pathsafe"
)

const (
	DefaultMaxEntries      = 10000
	DefaultMaxExtractBytes = 1 << 30

	// maxLinkTarget bounds how much of a zip or 7z symlink entry is read to
	// recover its target.
	maxLinkTarget = 4096
)

// Kind classifies an archive member.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSymlink
	KindHardlink
	KindSpecial
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	case KindHardlink:
		return "hardlink"
	}
	return "special"
}

// Member describes one archive entry as enumerated before extraction.
type Member struct {
	Name       string
	Kind       Kind
	LinkTarget string
	Mode       fs.FileMode
	Size       int64
}

// Limits bounds extraction. Zero values select the defaults.
type Limits struct {
	MaxEntries      int
	MaxExtractBytes int64
}

// Codec performs archive operations within the configured limits.
type Codec struct {
	maxEntries      int
	maxExtractBytes int64
}

// New creates a Codec.
func New(limits Limits) *Codec {
	c := &Codec{
		maxEntries:      limits.MaxEntries,
		maxExtractBytes: limits.MaxExtractBytes,
	}
	if c.maxEntries <= 0 {
		c.maxEntries = DefaultMaxEntries
	}
	if c.maxExtractBytes <= 0 {
		c.maxExtractBytes = DefaultMaxExtractBytes
	}
	return c
}

// source is one input to an archive writer.
type source struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	open    func() (io.ReadCloser, error)
}

// extractor is implemented per format. members runs the metadata-only first
// pass; each walks the archive again in the same order and hands file
// content to fn.
type extractor interface {
	members(ctx context.Context) ([]Member, error)
	each(ctx context.Context, fn func(m Member, r io.Reader) error) error
	names(ctx context.Context) ([]string, error)
	Close() error
}

// Create writes sources into a new archive at dest. Each source is stored
// under its base name. The archive appears at dest only when complete.
func (c *Codec) Create(ctx context.Context, sources []string, dest string, format Format, password string) (err error) {
	start := time.Now()
	defer func() { metrics.RecordArchiveOperation("create", format.String(), time.Since(start), err == nil) }()

	if !format.valid() {
		return fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
	}
	if len(sources) == 0 {
		return ErrEmptyInput
	}
	if password != "" && !format.SupportsPassword() {
		return fmt.Errorf("%w: %s", ErrPasswordUnsupported, format)
	}

	inputs, err := statSources(sources)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".archive-*.tmp")
	if err != nil {
		return ioErr("create temp archive", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	switch {
	case format == FormatZip:
		err = writeZip(ctx, tmp, inputs, password)
	case format.IsTar():
		err = writeTar(ctx, tmp, inputs, format)
	case format == FormatSevenZip:
		err = writeSevenZip(ctx, tmp, inputs, password)
	}
	if err != nil {
		return err
	}

	if err := tmp.Close(); err != nil {
		return ioErr("close archive", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return ioErr("rename archive", err)
	}
	committed = true

	logging.Debug("archive created",
		zap.String("dest", dest),
		zap.String("format", format.String()),
		zap.Int("members", len(inputs)))
	return nil
}

func statSources(paths []string) ([]source, error) {
	seen := make(map[string]bool, len(paths))
	inputs := make([]source, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, ioErr("stat source", err)
		}
		if !info.Mode().IsRegular() {
			return nil, ioErr("stat source", fmt.Errorf("%s is not a regular file", p))
		}
		name := filepath.Base(p)
		if seen[name] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateMember, name)
		}
		seen[name] = true
		p := p
		inputs = append(inputs, source{
			name:    name,
			size:    info.Size(),
			mode:    info.Mode().Perm(),
			modTime: info.ModTime(),
			open:    func() (io.ReadCloser, error) { return os.Open(p) },
		})
	}
	return inputs, nil
}

// Extract unpacks archivePath into destDir, which must be absent or empty.
// No member is written until every member has been validated.
func (c *Codec) Extract(ctx context.Context, archivePath, destDir, password string) (err error) {
	start := time.Now()
	format, err := DetectFormat(archivePath)
	if err != nil {
		return err
	}
	defer func() { metrics.RecordArchiveOperation("extract", format.String(), time.Since(start), err == nil) }()

	ex, err := openExtractor(archivePath, format, password)
	if err != nil {
		return err
	}
	defer ex.Close()

	members, err := ex.members(ctx)
	if err != nil {
		return err
	}
	if err := c.validate(destDir, members); err != nil {
		if errors.Is(err, ErrPathTraversal) {
			metrics.RecordTraversalRejected(format.String())
			logging.Warn("archive rejected",
				zap.String("archive", filepath.Base(archivePath)),
				zap.Error(err))
		}
		return err
	}
	if err := checkDestination(destDir); err != nil {
		return err
	}

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return ioErr("create extraction parent", err)
	}
	staging, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return ioErr("create staging dir", err)
	}
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	if err := c.writeMembers(ctx, ex, staging); err != nil {
		return err
	}

	if err := os.Remove(destDir); err != nil && !os.IsNotExist(err) {
		return ioErr("replace destination", err)
	}
	if err := os.Rename(staging, destDir); err != nil {
		return ioErr("commit extraction", err)
	}
	committed = true
	if err := os.Chmod(destDir, 0755); err != nil {
		return ioErr("chmod destination", err)
	}

	metrics.RecordExtractedEntries(format.String(), len(members))
	logging.Debug("archive extracted",
		zap.String("dest", destDir),
		zap.String("format", format.String()),
		zap.Int("members", len(members)))
	return nil
}

// List returns member names in archive order without writing to disk.
func (c *Codec) List(ctx context.Context, archivePath, password string) ([]string, error) {
	format, err := DetectFormat(archivePath)
	if err != nil {
		return nil, err
	}
	ex, err := openExtractor(archivePath, format, password)
	if err != nil {
		return nil, err
	}
	defer ex.Close()
	return ex.names(ctx)
}

// ListReader lists an archive held in r.
func (c *Codec) ListReader(ctx context.Context, r io.ReaderAt, size int64, format Format, password string) ([]string, error) {
	ex, err := newExtractor(r, size, format, password, nopCloser{})
	if err != nil {
		return nil, err
	}
	defer ex.Close()
	return ex.names(ctx)
}

func openExtractor(archivePath string, format Format, password string) (extractor, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, ioErr("open archive", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ioErr("stat archive", err)
	}
	ex, err := newExtractor(f, info.Size(), format, password, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return ex, nil
}

func newExtractor(r io.ReaderAt, size int64, format Format, password string, closer io.Closer) (extractor, error) {
	switch {
	case format == FormatZip:
		return newZipExtractor(r, size, password, closer)
	case format.IsTar():
		if password != "" {
			return nil, fmt.Errorf("%w: %s", ErrPasswordUnsupported, format)
		}
		return newTarExtractor(r, size, format, closer), nil
	case format == FormatSevenZip:
		return newSevenZipExtractor(r, size, password, closer)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, format)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// validate applies the member policy to every entry. Link members are
// checked against root and later skipped; special files and set-id bits
// are rejected outright.
func (c *Codec) validate(root string, members []Member) error {
	if len(members) > c.maxEntries {
		return fmt.Errorf("%w: %d entries (max %d)", ErrArchiveTooLarge, len(members), c.maxEntries)
	}

	var total int64
	files := make(map[string]bool, len(members))
	dirs := make(map[string]bool)
	for _, m := range members {
		if err := checkMember(root, m); err != nil {
			return err
		}

		key := path.Clean(strings.ReplaceAll(m.Name, `\`, "/"))
		if m.Kind == KindFile || m.Kind == KindDir {
			// Every ancestor becomes a directory on disk, so none may be a file.
			for dir := path.Dir(key); dir != "." && dir != "/"; dir = path.Dir(dir) {
				if files[dir] {
					return fmt.Errorf("%w: %q is under file %q", ErrDuplicateMember, m.Name, dir)
				}
				dirs[dir] = true
			}
		}
		switch m.Kind {
		case KindFile:
			if files[key] || dirs[key] {
				return fmt.Errorf("%w: %q", ErrDuplicateMember, m.Name)
			}
			files[key] = true
			total += m.Size
			if m.Size < 0 || total > c.maxExtractBytes {
				return fmt.Errorf("%w: more than %d bytes", ErrArchiveTooLarge, c.maxExtractBytes)
			}
		case KindDir:
			if files[key] {
				return fmt.Errorf("%w: %q", ErrDuplicateMember, m.Name)
			}
			dirs[key] = true
		}
	}
	return nil
}

func checkMember(root string, m Member) error {
	if err := pathsafe.ValidateMemberPath(root, m.Name); err != nil {
		return traversal(m.Name, err)
	}
	if m.Mode&(fs.ModeSetuid|fs.ModeSetgid) != 0 {
		return &TraversalError{Member: m.Name, Reason: "setuid or setgid bit"}
	}
	switch m.Kind {
	case KindSpecial:
		return &TraversalError{Member: m.Name, Reason: "device, fifo or other special file"}
	case KindSymlink:
		if err := pathsafe.ValidateLinkTarget(root, m.Name, m.LinkTarget); err != nil {
			return traversal(m.Name, err)
		}
	case KindHardlink:
		if err := pathsafe.ValidateHardlinkTarget(root, m.Name, m.LinkTarget); err != nil {
			return traversal(m.Name, err)
		}
	}
	return nil
}

func traversal(member string, err error) error {
	var pe *pathsafe.PathError
	if errors.As(err, &pe) {
		return &TraversalError{Member: member, Reason: pe.Reason}
	}
	return &TraversalError{Member: member, Reason: err.Error()}
}

func checkDestination(destDir string) error {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ioErr("inspect destination", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("%w: %s", ErrDestinationNotEmpty, destDir)
	}
	return nil
}

// writeMembers runs the second pass. Each member is checked again right
// before its write, so a reader that yields different entries on the second
// pass cannot smuggle one through.
func (c *Codec) writeMembers(ctx context.Context, ex extractor, staging string) error {
	remaining := c.maxExtractBytes
	return ex.each(ctx, func(m Member, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := checkMember(staging, m); err != nil {
			return err
		}
		target := filepath.Join(staging, filepath.FromSlash(strings.ReplaceAll(m.Name, `\`, "/")))
		if !pathsafe.IsWithin(staging, target) {
			return &TraversalError{Member: m.Name, Reason: "resolves outside root"}
		}

		switch m.Kind {
		case KindDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return ioErr("create directory", err)
			}
		case KindFile:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return ioErr("create parent directory", err)
			}
			n, err := writeFile(target, r, remaining)
			if err != nil {
				return err
			}
			remaining -= n
		default:
			// Links that passed validation are not materialized.
		}
		return nil
	})
}

func writeFile(target string, r io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateMember, filepath.Base(target))
		}
		return 0, ioErr("create file", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, readErr(err)
	}
	if n > limit {
		return n, fmt.Errorf("%w: content larger than declared", ErrArchiveTooLarge)
	}
	return n, nil
}

// readErr keeps archive sentinel errors intact and tags the rest as I/O.
func readErr(err error) error {
	for _, sentinel := range []error{ErrBadPassword, ErrPasswordRequired, ErrArchiveTooLarge, ErrPathTraversal, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return ioErr("read member", err)
}

// readLinkTarget recovers a symlink target stored as entry content.
func readLinkTarget(open func() (io.ReadCloser, error)) (string, error) {
	rc, err := open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, maxLinkTarget+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxLinkTarget {
		return "", fmt.Errorf("link target longer than %d bytes", maxLinkTarget)
	}
	return string(b), nil
}

func kindFromMode(mode fs.FileMode) Kind {
	switch {
	case mode.IsDir():
		return KindDir
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	case mode&(fs.ModeDevice|fs.ModeCharDevice|fs.ModeNamedPipe|fs.ModeSocket|fs.ModeIrregular) != 0:
		return KindSpecial
	}
	return KindFile
}
