// Package compression runs archive operations on behalf of a user: it
// stages blobs into a private work directory, drives the archive codec and
// registers the results in the file tree.
//
// No tree lock is held while the codec runs. The tree is touched only to
// resolve the inputs and to register the outputs.
package compression

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/archive"
	"github.com/amitdevx/FileFlow/internal/events"
	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/tree"
	"github.com/amitdevx/FileFlow/internal/validation"
)

var ErrNoValidFiles = fmt.Errorf("%w: no valid files selected", models.ErrValidation)

const (
	// DefaultMaxListBytes bounds how much of a non-file blob List buffers.
	DefaultMaxListBytes = 256 << 20

	// maxRegisterAttempts bounds retries when a concurrent request takes
	// the extraction directory first.
	maxRegisterAttempts = 8
)

// Config holds the orchestrator settings.
type Config struct {
	WorkDir      string
	MaxListBytes int64
}

// Service is the archive orchestrator.
type Service struct {
	tree         *tree.Store
	codec        *archive.Codec
	events       events.Publisher
	workDir      string
	maxListBytes int64
}

// New creates a Service. A nil publisher drops events.
func New(store *tree.Store, codec *archive.Codec, pub events.Publisher, cfg Config) (*Service, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "fileflow-work")
	}
	if err := os.MkdirAll(workDir, 0700); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if pub == nil {
		pub = events.Discard{}
	}
	maxList := cfg.MaxListBytes
	if maxList <= 0 {
		maxList = DefaultMaxListBytes
	}
	return &Service{
		tree:         store,
		codec:        codec,
		events:       pub,
		workDir:      workDir,
		maxListBytes: maxList,
	}, nil
}

// workspace creates a private directory for one request. The returned func
// removes it.
func (s *Service) workspace(op string) (string, func(), error) {
	dir, err := os.MkdirTemp(s.workDir, op+"-*")
	if err != nil {
		return "", nil, fmt.Errorf("create workspace: %w", err)
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			logging.Warn("failed to remove workspace", zap.String("dir", dir), zap.Error(err))
		}
	}, nil
}

// stage copies the blob at key to dst.
func (s *Service) stage(ctx context.Context, key, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	rc, _, err := s.tree.Blobs().GetObject(ctx, key, 0, 0)
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	defer rc.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("stage %s: %w", key, err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("stage %s: %w", key, err)
	}
	return f.Close()
}

// ─── Create ──────────────────────────────────────────────────────────────────

// CreateArchiveForUser packs the owner's files among fileIDs into a new
// archive named archiveName plus the format extension. Folders, missing ids
// and other owners' files are skipped. The archive is placed at the root, or
// in parentID when given.
func (s *Service) CreateArchiveForUser(ctx context.Context, ownerID string, fileIDs []string, archiveName string, format archive.Format, password string, parentID *string) (*models.Node, error) {
	if _, err := archive.ParseFormat(format.String()); err != nil {
		return nil, err
	}
	if password != "" && !format.SupportsPassword() {
		return nil, fmt.Errorf("%w: %s", archive.ErrPasswordUnsupported, format)
	}
	name := strings.TrimSpace(archiveName)
	if name == "" {
		name = "archive"
	}
	filename := name + "." + format.Extension()
	if err := validation.ValidFilename(filename); err != nil {
		return nil, err
	}

	files, err := s.resolve(ctx, ownerID, fileIDs)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoValidFiles
	}
	if parentID != nil {
		p, err := s.tree.Lookup(ctx, ownerID, *parentID)
		if err != nil {
			return nil, err
		}
		if !p.IsFolder {
			return nil, fmt.Errorf("%w: %s is not a folder", tree.ErrInvalidDestination, p.ID)
		}
	}

	work, cleanup, err := s.workspace("create")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	sources := make([]string, 0, len(files))
	for i, f := range files {
		dst := filepath.Join(work, "src", strconv.Itoa(i), f.Filename)
		if err := s.stage(ctx, f.Filepath, dst); err != nil {
			return nil, err
		}
		sources = append(sources, dst)
	}

	out := filepath.Join(work, filename)
	if err := s.codec.Create(ctx, sources, out, format, password); err != nil {
		return nil, err
	}

	fh, err := os.Open(out)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer fh.Close()
	info, err := fh.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	n := s.tree.NewNode(ownerID, filename, false, parentID)
	n.SizeBytes = info.Size()
	n.MimeType = format.MimeType()
	if err := s.tree.AddFile(ctx, n, ownerID+"/"+filename, fh); err != nil {
		return nil, err
	}

	s.events.Publish(events.NodeEvent(events.EventCreate, n))
	logging.Info("archive created",
		zap.String("owner_id", ownerID),
		zap.String("node_id", n.ID),
		zap.String("format", format.String()),
		zap.Int("members", len(sources)),
		zap.Int64("size", n.SizeBytes))
	return n, nil
}

// resolve keeps the ids that name a file of ownerID, in request order.
func (s *Service) resolve(ctx context.Context, ownerID string, ids []string) ([]*models.Node, error) {
	seen := make(map[string]bool, len(ids))
	var out []*models.Node
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, err := s.tree.Lookup(ctx, ownerID, id)
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrForbidden) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n.IsFolder {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// ─── Extract ─────────────────────────────────────────────────────────────────

// archiveNode returns the owner's archive file id and its format.
func (s *Service) archiveNode(ctx context.Context, ownerID, id string) (*models.Node, archive.Format, error) {
	n, err := s.tree.Lookup(ctx, ownerID, id)
	if err != nil {
		return nil, archive.FormatUnknown, err
	}
	if n.IsFolder {
		return nil, archive.FormatUnknown, fmt.Errorf("%w: %s is a folder", models.ErrValidation, n.ID)
	}
	format, err := archive.DetectFormat(n.Filename)
	if err != nil {
		return nil, archive.FormatUnknown, err
	}
	return n, format, nil
}

type extracted struct {
	node *models.Node
	rel  string
	path string
}

// ExtractArchiveForUser unpacks an archive into a new folder next to it.
// The folder and everything inside it are registered in one insert. If any
// upload fails the registered nodes and uploaded blobs are removed again.
func (s *Service) ExtractArchiveForUser(ctx context.Context, ownerID, fileID, password string) (*models.Node, error) {
	src, format, err := s.archiveNode(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}

	work, cleanup, err := s.workspace("extract")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	archivePath := filepath.Join(work, "source", "archive."+format.Extension())
	if err := s.stage(ctx, src.Filepath, archivePath); err != nil {
		return nil, err
	}
	stem := archive.Stem(src.Filename)
	out := filepath.Join(work, "extracted", stem)
	if err := s.codec.Extract(ctx, archivePath, out, password); err != nil {
		return nil, err
	}

	root := s.tree.NewNode(ownerID, stem, true, src.ParentID)
	nodes, files, err := s.collect(out, root)
	if err != nil {
		return nil, err
	}
	if err := s.register(ctx, src, root, nodes, files); err != nil {
		return nil, err
	}

	for _, f := range files {
		if err := s.upload(ctx, f); err != nil {
			s.rollback(ctx, root)
			return nil, err
		}
	}

	s.events.Publish(events.NodeEvent(events.EventExtract, root))
	logging.Info("archive extracted",
		zap.String("owner_id", ownerID),
		zap.String("archive_id", src.ID),
		zap.String("folder_id", root.ID),
		zap.Int("files", len(files)),
		zap.Int("nodes", len(nodes)))
	return root, nil
}

// collect builds nodes for everything under dir, parents before children.
// Display names are sanitized; storage keys keep the member path.
func (s *Service) collect(dir string, root *models.Node) ([]*models.Node, []extracted, error) {
	nodes := []*models.Node{root}
	var files []extracted
	folders := map[string]*models.Node{".": root}

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		parent, ok := folders[path.Dir(rel)]
		if !ok {
			return fmt.Errorf("no parent for %s", rel)
		}
		name := validation.SanitizeFilename(d.Name())

		switch {
		case d.IsDir():
			n := s.tree.NewNode(root.OwnerID, name, true, &parent.ID)
			folders[rel] = n
			nodes = append(nodes, n)
		case d.Type().IsRegular():
			n := s.tree.NewNode(root.OwnerID, name, false, &parent.ID)
			size, sum, err := hashFile(p)
			if err != nil {
				return err
			}
			n.SizeBytes = size
			n.ContentHash = &sum
			nodes = append(nodes, n)
			files = append(files, extracted{node: n, rel: rel, path: p})
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: scan extracted files: %w", archive.ErrIO, err)
	}
	return nodes, files, nil
}

func hashFile(p string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// register picks a free directory beside the archive's key and inserts
// every node in one transaction.
func (s *Service) register(ctx context.Context, src, root *models.Node, nodes []*models.Node, files []extracted) error {
	base := path.Join(path.Dir(src.Filepath), root.Filename)
	var err error
	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		var prefix string
		prefix, err = s.tree.ReserveDir(ctx, root.OwnerID, base)
		if err != nil {
			return err
		}
		root.Filepath = prefix
		for _, f := range files {
			f.node.Filepath = prefix + "/" + f.rel
		}
		err = s.tree.CreateMany(ctx, nodes)
		if !errors.Is(err, models.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Service) upload(ctx context.Context, f extracted) error {
	fh, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", archive.ErrIO, f.rel, err)
	}
	defer fh.Close()
	if err := s.tree.Blobs().PutObject(ctx, f.node.Filepath, fh, f.node.SizeBytes); err != nil {
		metrics.RecordContentUpload(0, false)
		return fmt.Errorf("store %s: %w", f.node.Filepath, err)
	}
	metrics.RecordContentUpload(f.node.SizeBytes, true)
	return nil
}

// rollback removes a partially uploaded extraction.
func (s *Service) rollback(ctx context.Context, root *models.Node) {
	report, err := s.tree.DeleteRecursive(context.WithoutCancel(ctx), root.OwnerID, root.ID)
	if err != nil {
		logging.Error("failed to roll back extraction", zap.String("folder_id", root.ID), zap.Error(err))
		return
	}
	if len(report.Failures) > 0 {
		logging.Warn("extraction rollback left blobs behind",
			zap.String("folder_id", root.ID),
			zap.Int("failures", len(report.Failures)))
	}
}

// ─── List ────────────────────────────────────────────────────────────────────

// ListArchiveForUser returns the member names of an archive without
// writing to disk.
func (s *Service) ListArchiveForUser(ctx context.Context, ownerID, fileID, password string) (names []string, err error) {
	src, format, err := s.archiveNode(ctx, ownerID, fileID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { metrics.RecordArchiveOperation("list", format.String(), time.Since(start), err == nil) }()

	rc, size, err := s.tree.Blobs().GetObject(ctx, src.Filepath, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src.ID, err)
	}
	defer rc.Close()

	if f, ok := rc.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("%w: stat archive: %w", archive.ErrIO, err)
		}
		return s.codec.ListReader(ctx, f, info.Size(), format, password)
	}

	if size > s.maxListBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds list limit", archive.ErrArchiveTooLarge, size)
	}
	data, err := io.ReadAll(io.LimitReader(rc, s.maxListBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read archive: %w", archive.ErrIO, err)
	}
	if int64(len(data)) > s.maxListBytes {
		return nil, fmt.Errorf("%w: archive exceeds list limit", archive.ErrArchiveTooLarge)
	}
	return s.codec.ListReader(ctx, bytes.NewReader(data), int64(len(data)), format, password)
}
