// Package tree implements the owner-scoped file and folder hierarchy on top
// of a metadata repository and a blob backend.
//
// Every owner-scoped operation passes through authorize before it reads or
// mutates a node on the caller's behalf. Structural changes (Move,
// DeleteRecursive) take the owner lock so concurrent requests cannot build a
// cycle or orphan a subtree.
package tree

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metadata"
	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/storage"
	"github.com/amitdevx/FileFlow/internal/validation"
)

var (
	ErrInvalidDestination = fmt.Errorf("%w: invalid destination", models.ErrValidation)
	ErrCorruptTree        = errors.New("corrupt tree: parent chain does not terminate")
)

const (
	// MaxDepth bounds every upward walk of parent links.
	MaxDepth = 256

	maxTags      = 50
	maxTagLength = 64

	// maxReserveAttempts bounds the "-n" suffix search for a free key.
	maxReserveAttempts = 10000

	// maxClaimAttempts bounds retries when a concurrent insert takes the
	// reserved key first.
	maxClaimAttempts = 16
)

// Store is the file tree.
type Store struct {
	repo      metadata.Repository
	blobs     storage.Backend
	validator *validation.Validator
	now       func() time.Time
}

// New creates a Store.
func New(repo metadata.Repository, blobs storage.Backend, v *validation.Validator) *Store {
	return &Store{
		repo:      repo,
		blobs:     blobs,
		validator: v,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Blobs returns the backend holding file content.
func (s *Store) Blobs() storage.Backend { return s.blobs }

// Validator returns the upload rules in force.
func (s *Store) Validator() *validation.Validator { return s.validator }

// owns is the single ownership gate; authorize and authorizeProfile apply it
// to nodes and saved searches.
func owns(resourceOwner, ownerID string) bool {
	return ownerID != "" && resourceOwner == ownerID
}

func authorize(n *models.Node, ownerID string) error {
	if !owns(n.OwnerID, ownerID) {
		return fmt.Errorf("%w: node %s", models.ErrForbidden, n.ID)
	}
	return nil
}

func authorizeProfile(p *models.SearchProfile, ownerID string) error {
	if !owns(p.OwnerID, ownerID) {
		return fmt.Errorf("%w: search profile %s", models.ErrForbidden, p.ID)
	}
	return nil
}

// NewNode returns a node with a fresh id and timestamps. Callers building a
// subtree link children to it through its ID before calling CreateMany.
func (s *Store) NewNode(ownerID, filename string, isFolder bool, parentID *string) *models.Node {
	now := s.now()
	n := &models.Node{
		ID:         uuid.NewString(),
		Filename:   filename,
		OwnerID:    ownerID,
		IsFolder:   isFolder,
		CreatedAt:  now,
		ModifiedAt: now,
		Tags:       []string{},
	}
	if parentID != nil {
		p := *parentID
		n.ParentID = &p
	}
	if !isFolder {
		n.MimeType = MimeType(filename)
	}
	return n
}

// MimeType guesses a content type from the file extension.
func MimeType(filename string) string {
	if t := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Create validates and inserts a single node, returning its id.
func (s *Store) Create(ctx context.Context, n *models.Node) (string, error) {
	if err := s.CreateMany(ctx, []*models.Node{n}); err != nil {
		return "", err
	}
	return n.ID, nil
}

// CreateMany inserts nodes in one transaction. A node's parent must be an
// existing folder of the same owner or appear earlier in nodes.
func (s *Store) CreateMany(ctx context.Context, nodes []*models.Node) error {
	batch := make(map[string]*models.Node, len(nodes))
	var external []string
	for _, n := range nodes {
		if err := s.prepare(n); err != nil {
			return err
		}
		if n.ParentID != nil {
			if p, ok := batch[*n.ParentID]; ok {
				if err := checkParent(p, n); err != nil {
					return err
				}
			} else {
				external = append(external, *n.ParentID)
			}
		}
		batch[n.ID] = n
	}

	return s.repo.InTx(ctx, func(tx metadata.Tx) error {
		if err := tx.Lock(ctx, external...); err != nil {
			return err
		}
		for _, n := range nodes {
			if n.ParentID == nil {
				continue
			}
			if _, ok := batch[*n.ParentID]; ok {
				continue
			}
			p, err := tx.Get(ctx, *n.ParentID)
			if err != nil {
				return fmt.Errorf("parent %s: %w", *n.ParentID, err)
			}
			if err := checkParent(p, n); err != nil {
				return err
			}
		}
		return tx.Insert(ctx, nodes...)
	})
}

func (s *Store) prepare(n *models.Node) error {
	if n.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", models.ErrValidation)
	}
	if err := validation.ValidFilename(n.Filename); err != nil {
		return err
	}
	if !n.IsFolder && n.Filepath == "" {
		return fmt.Errorf("%w: file node needs a storage key", models.ErrValidation)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := s.now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ModifiedAt.IsZero() {
		n.ModifiedAt = n.CreatedAt
	}
	n.Tags = normalizeTags(n.Tags)
	return nil
}

func checkParent(parent, child *models.Node) error {
	if !parent.IsFolder || parent.OwnerID != child.OwnerID {
		return fmt.Errorf("%w: parent %s", ErrInvalidDestination, parent.ID)
	}
	return nil
}

// Get returns a node without an owner check.
func (s *Store) Get(ctx context.Context, id string) (*models.Node, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", id, err)
	}
	return n, nil
}

// Lookup returns a node the owner may access.
func (s *Store) Lookup(ctx context.Context, ownerID, id string) (*models.Node, error) {
	n, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorize(n, ownerID); err != nil {
		return nil, err
	}
	return n, nil
}

// ListChildren lists a folder, folders first. A nil parentID lists the
// owner's root.
func (s *Store) ListChildren(ctx context.Context, ownerID string, parentID *string) ([]*models.Node, error) {
	if parentID != nil {
		p, err := s.Lookup(ctx, ownerID, *parentID)
		if err != nil {
			return nil, err
		}
		if !p.IsFolder {
			return nil, fmt.Errorf("%w: %s is not a folder", models.ErrValidation, p.ID)
		}
	}
	return s.repo.ListChildren(ctx, ownerID, parentID)
}

// CreateFolder adds an empty folder.
func (s *Store) CreateFolder(ctx context.Context, ownerID, name string, parentID *string) (*models.Node, error) {
	n := s.NewNode(ownerID, strings.TrimSpace(name), true, parentID)
	if _, err := s.Create(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// ─── Content ─────────────────────────────────────────────────────────────────

// ReserveFilepath returns key, or key with "-n" inserted before the
// extension, choosing the first candidate the owner does not use yet. The
// result is advisory; the repository's uniqueness check on insert is what
// actually claims the key.
func (s *Store) ReserveFilepath(ctx context.Context, ownerID, key string) (string, error) {
	for i := 0; i < maxReserveAttempts; i++ {
		candidate := SuffixPath(key, i)
		used, err := s.repo.PathInUse(ctx, ownerID, candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free storage key for %s", models.ErrConflict, key)
}

// ReserveDir returns dir, or dir with "-n" appended, choosing the first
// candidate under which the owner stores nothing yet. Like ReserveFilepath
// the result is advisory.
func (s *Store) ReserveDir(ctx context.Context, ownerID, dir string) (string, error) {
	for i := 0; i < maxReserveAttempts; i++ {
		candidate := dir
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", dir, i)
		}
		used, err := s.repo.PathInUse(ctx, ownerID, candidate)
		if err != nil {
			return "", err
		}
		if !used {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no free directory for %s", models.ErrConflict, dir)
}

// SuffixPath inserts "-n" before the extension of the last key segment.
// n == 0 returns key unchanged.
func SuffixPath(key string, n int) string {
	if n == 0 {
		return key
	}
	dir, base := path.Split(key)
	ext := path.Ext(base)
	if ext == base {
		ext = ""
	}
	return fmt.Sprintf("%s%s-%d%s", dir, strings.TrimSuffix(base, ext), n, ext)
}

// claim inserts n under the first free storage key derived from key.
func (s *Store) claim(ctx context.Context, n *models.Node, key string) error {
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		candidate, err := s.ReserveFilepath(ctx, n.OwnerID, key)
		if err != nil {
			return err
		}
		n.Filepath = candidate
		err = s.CreateMany(ctx, []*models.Node{n})
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: could not claim %s", models.ErrConflict, key)
}

// Upload stores body as a new file under parentID after checking the name,
// extension and size against the upload rules.
func (s *Store) Upload(ctx context.Context, ownerID, filename string, parentID *string, body io.Reader, size int64) (*models.Node, error) {
	name := validation.SanitizeFilename(filename)
	if err := validation.ValidFilename(name); err != nil {
		return nil, err
	}
	if err := s.validator.CheckFile(name); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateSize(size); err != nil {
		return nil, err
	}

	n := s.NewNode(ownerID, name, false, parentID)
	n.SizeBytes = size
	if err := s.AddFile(ctx, n, ownerID+"/"+name, body); err != nil {
		return nil, err
	}
	return n, nil
}

// AddFile registers n under the first free storage key derived from key and
// writes body as its content. n.SizeBytes must hold the body length. The row
// claims the key first; if writing the blob fails the row is removed again.
func (s *Store) AddFile(ctx context.Context, n *models.Node, key string, body io.Reader) error {
	if n.IsFolder {
		return fmt.Errorf("%w: folders have no content", models.ErrValidation)
	}
	if err := s.claim(ctx, n, key); err != nil {
		return err
	}

	h := sha256.New()
	if err := s.blobs.PutObject(ctx, n.Filepath, io.TeeReader(body, h), n.SizeBytes); err != nil {
		s.discard(ctx, n)
		metrics.RecordContentUpload(0, false)
		return fmt.Errorf("store %s: %w", n.Filepath, err)
	}
	metrics.RecordContentUpload(n.SizeBytes, true)

	sum := hex.EncodeToString(h.Sum(nil))
	n.ContentHash = &sum
	err := s.repo.InTx(ctx, func(tx metadata.Tx) error { return tx.Update(ctx, n) })
	if err != nil {
		s.discard(ctx, n)
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

// discard removes a node row and its blob after a failed write. It uses a
// fresh context so a cancelled request still cleans up.
func (s *Store) discard(ctx context.Context, n *models.Node) {
	cleanup := context.WithoutCancel(ctx)
	if err := s.repo.InTx(cleanup, func(tx metadata.Tx) error {
		_, err := tx.Delete(cleanup, []string{n.ID})
		return err
	}); err != nil {
		logging.Warn("failed to remove node after upload error", zap.String("node_id", n.ID), zap.Error(err))
	}
	if !n.IsFolder {
		if err := s.blobs.DeleteObject(cleanup, n.Filepath); err != nil {
			logging.Warn("failed to remove blob after upload error", zap.String("key", n.Filepath), zap.Error(err))
		}
	}
}

// Open returns the content of a file node the owner may read.
func (s *Store) Open(ctx context.Context, ownerID, id string) (io.ReadCloser, *models.Node, error) {
	n, err := s.Lookup(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	if n.IsFolder {
		return nil, nil, fmt.Errorf("%w: %s is a folder", models.ErrValidation, n.ID)
	}
	rc, _, err := s.blobs.GetObject(ctx, n.Filepath, 0, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", n.ID, err)
	}
	return rc, n, nil
}

// ─── Mutations ───────────────────────────────────────────────────────────────

// mutate locks id, applies the gate and saves whatever fn changed.
func (s *Store) mutate(ctx context.Context, ownerID, id string, fn func(n *models.Node) error) (*models.Node, error) {
	var out *models.Node
	err := s.repo.InTx(ctx, func(tx metadata.Tx) error {
		if err := tx.Lock(ctx, id); err != nil {
			return err
		}
		n, err := tx.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		if err := authorize(n, ownerID); err != nil {
			return err
		}
		if err := fn(n); err != nil {
			return err
		}
		n.ModifiedAt = s.now()
		out = n
		return tx.Update(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rename changes a node's display name. The storage key is unchanged.
func (s *Store) Rename(ctx context.Context, ownerID, id, newName string) (*models.Node, error) {
	newName = strings.TrimSpace(newName)
	if err := validation.ValidFilename(newName); err != nil {
		return nil, err
	}
	return s.mutate(ctx, ownerID, id, func(n *models.Node) error {
		n.Filename = newName
		return nil
	})
}

// SetFavorite marks or unmarks a node.
func (s *Store) SetFavorite(ctx context.Context, ownerID, id string, favorite bool) (*models.Node, error) {
	return s.mutate(ctx, ownerID, id, func(n *models.Node) error {
		n.IsFavorite = favorite
		return nil
	})
}

// SetTags replaces a node's tags with the normalized set.
func (s *Store) SetTags(ctx context.Context, ownerID, id string, tags []string) (*models.Node, error) {
	norm := normalizeTags(tags)
	if len(norm) > maxTags {
		return nil, fmt.Errorf("%w: at most %d tags", models.ErrValidation, maxTags)
	}
	for _, t := range norm {
		if len(t) > maxTagLength {
			return nil, fmt.Errorf("%w: tag longer than %d bytes", models.ErrValidation, maxTagLength)
		}
	}
	return s.mutate(ctx, ownerID, id, func(n *models.Node) error {
		n.Tags = norm
		return nil
	})
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Move reparents a node. A nil newParentID moves it to the owner's root.
func (s *Store) Move(ctx context.Context, ownerID, id string, newParentID *string) (*models.Node, error) {
	var out *models.Node
	err := s.repo.InTx(ctx, func(tx metadata.Tx) error {
		if err := tx.LockOwner(ctx, ownerID); err != nil {
			return err
		}
		ids := []string{id}
		if newParentID != nil {
			ids = append(ids, *newParentID)
		}
		if err := tx.Lock(ctx, ids...); err != nil {
			return err
		}

		n, err := tx.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		if err := authorize(n, ownerID); err != nil {
			return err
		}

		if newParentID != nil {
			if err := s.checkDestination(ctx, tx, n, *newParentID); err != nil {
				return err
			}
		}
		if models.SameParent(n.ParentID, newParentID) {
			out = n
			return nil
		}

		n.ParentID = nil
		if newParentID != nil {
			p := *newParentID
			n.ParentID = &p
		}
		n.ModifiedAt = s.now()
		out = n
		return tx.Update(ctx, n)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Copy duplicates a file's content into a new node under parentID. A nil
// parentID copies alongside the source. Folders cannot be copied.
func (s *Store) Copy(ctx context.Context, ownerID, id string, parentID *string) (*models.Node, error) {
	src, err := s.Lookup(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if src.IsFolder {
		return nil, fmt.Errorf("%w: folders cannot be copied", models.ErrValidation)
	}
	if parentID == nil {
		parentID = src.ParentID
	} else if err := s.checkDestination(ctx, s.repo, src, *parentID); err != nil {
		return nil, err
	}

	n := s.NewNode(ownerID, src.Filename, false, parentID)
	n.SizeBytes = src.SizeBytes
	n.ContentHash = src.ContentHash
	n.Tags = append(n.Tags, src.Tags...)
	if err := s.claim(ctx, n, ownerID+"/"+src.Filename); err != nil {
		return nil, err
	}
	if err := s.blobs.CopyObject(ctx, src.Filepath, n.Filepath); err != nil {
		s.discard(ctx, n)
		return nil, fmt.Errorf("copy %s: %w", src.Filepath, err)
	}
	return n, nil
}

// checkDestination rejects a target that is not a folder of the same
// owner, is the node itself, or lies inside the node's subtree. The last
// check walks the target's ancestors, so it holds at any depth.
func (s *Store) checkDestination(ctx context.Context, r metadata.Reader, n *models.Node, targetID string) error {
	target, err := r.Get(ctx, targetID)
	if err != nil {
		return fmt.Errorf("destination %s: %w", targetID, err)
	}
	switch {
	case !target.IsFolder:
		return fmt.Errorf("%w: %s is not a folder", ErrInvalidDestination, targetID)
	case target.OwnerID != n.OwnerID:
		return fmt.Errorf("%w: %s belongs to another owner", ErrInvalidDestination, targetID)
	case target.ID == n.ID:
		return fmt.Errorf("%w: cannot move a node into itself", ErrInvalidDestination)
	}

	ancestors, err := walkUp(ctx, r, target)
	if err != nil {
		return err
	}
	for _, a := range ancestors {
		if a.ID == n.ID {
			return fmt.Errorf("%w: %s is inside the moved folder", ErrInvalidDestination, targetID)
		}
	}
	return nil
}

// walkUp returns start and its ancestors, nearest first.
func walkUp(ctx context.Context, r metadata.Reader, start *models.Node) ([]*models.Node, error) {
	chain := []*models.Node{start}
	visited := map[string]bool{start.ID: true}
	cur := start
	for cur.ParentID != nil {
		if len(chain) >= MaxDepth || visited[*cur.ParentID] {
			return nil, fmt.Errorf("%w at node %s", ErrCorruptTree, cur.ID)
		}
		parent, err := r.Get(ctx, *cur.ParentID)
		if err != nil {
			return nil, fmt.Errorf("ancestor %s of %s: %w", *cur.ParentID, cur.ID, err)
		}
		visited[parent.ID] = true
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// Breadcrumbs returns the path from the owner's root down to id.
func (s *Store) Breadcrumbs(ctx context.Context, ownerID, id string) ([]*models.Node, error) {
	n, err := s.Lookup(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	chain, err := walkUp(ctx, s.repo, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Search runs an owner-scoped query.
func (s *Store) Search(ctx context.Context, ownerID string, q models.SearchQuery) ([]*models.Node, error) {
	if q.MinSize < 0 || q.MaxSize < 0 || (q.MaxSize > 0 && q.MinSize > q.MaxSize) {
		return nil, fmt.Errorf("%w: invalid size range", models.ErrValidation)
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, fmt.Errorf("%w: invalid date range", models.ErrValidation)
	}
	q.Query = strings.TrimSpace(q.Query)
	q.Limit = q.EffectiveLimit()
	return s.repo.Search(ctx, ownerID, q)
}

// SaveSearchProfile stores q under name for later reuse.
func (s *Store) SaveSearchProfile(ctx context.Context, ownerID, name string, q models.SearchQuery) (*models.SearchProfile, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", models.ErrValidation)
	}
	q.Query = strings.TrimSpace(q.Query)
	p := &models.SearchProfile{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Query:     q,
		CreatedAt: s.now(),
	}
	if err := validation.SearchProfile(p); err != nil {
		return nil, err
	}
	if err := s.repo.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("save search profile: %w", err)
	}
	return p, nil
}

// SearchProfiles lists the owner's saved searches, oldest first.
func (s *Store) SearchProfiles(ctx context.Context, ownerID string) ([]*models.SearchProfile, error) {
	profiles, err := s.repo.ListProfiles(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if profiles == nil {
		profiles = []*models.SearchProfile{}
	}
	return profiles, nil
}

// LookupSearchProfile returns a saved search the owner may access.
func (s *Store) LookupSearchProfile(ctx context.Context, ownerID, id string) (*models.SearchProfile, error) {
	p, err := s.repo.GetProfile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("search profile %s: %w", id, err)
	}
	if err := authorizeProfile(p, ownerID); err != nil {
		return nil, err
	}
	return p, nil
}

// RunSearchProfile runs a saved search.
func (s *Store) RunSearchProfile(ctx context.Context, ownerID, id string) ([]*models.Node, error) {
	p, err := s.LookupSearchProfile(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, ownerID, p.Query)
}

// DeleteSearchProfile removes a saved search.
func (s *Store) DeleteSearchProfile(ctx context.Context, ownerID, id string) error {
	if _, err := s.LookupSearchProfile(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.repo.DeleteProfile(ctx, id); err != nil {
		return fmt.Errorf("search profile %s: %w", id, err)
	}
	return nil
}

// ─── Deletion ────────────────────────────────────────────────────────────────

// StorageFailure records one blob that could not be removed.
type StorageFailure struct {
	NodeID   string `json:"node_id"`
	Filepath string `json:"filepath"`
	Error    string `json:"error"`
}

// DeleteReport summarizes a recursive delete.
type DeleteReport struct {
	RowsDeleted     int64            `json:"rows_deleted"`
	StorageAttempts int              `json:"storage_attempts"`
	Failures        []StorageFailure `json:"failures"`
}

// DeleteRecursive removes id and its whole subtree. All rows go in one
// transaction; blobs are removed afterwards on a best-effort basis and any
// failure is reported rather than returned.
func (s *Store) DeleteRecursive(ctx context.Context, ownerID, id string) (DeleteReport, error) {
	report := DeleteReport{Failures: []StorageFailure{}}
	var blobs []*models.Node

	err := s.repo.InTx(ctx, func(tx metadata.Tx) error {
		if err := tx.LockOwner(ctx, ownerID); err != nil {
			return err
		}
		root, err := tx.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("node %s: %w", id, err)
		}
		if err := authorize(root, ownerID); err != nil {
			return err
		}

		subtree, err := collectSubtree(ctx, tx, root)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(subtree))
		for _, n := range subtree {
			ids = append(ids, n.ID)
			if !n.IsFolder {
				blobs = append(blobs, n)
			}
		}
		if err := tx.Lock(ctx, ids...); err != nil {
			return err
		}
		report.RowsDeleted, err = tx.Delete(ctx, ids)
		return err
	})
	if err != nil {
		return DeleteReport{}, err
	}

	cleanup := context.WithoutCancel(ctx)
	for _, n := range blobs {
		report.StorageAttempts++
		if err := s.blobs.DeleteObject(cleanup, n.Filepath); err != nil {
			logging.Warn("failed to delete blob",
				zap.String("node_id", n.ID),
				zap.String("key", n.Filepath),
				zap.Error(err))
			report.Failures = append(report.Failures, StorageFailure{
				NodeID:   n.ID,
				Filepath: n.Filepath,
				Error:    err.Error(),
			})
		}
	}
	metrics.RecordRecursiveDelete(int(report.RowsDeleted), len(report.Failures))
	return report, nil
}

// collectSubtree walks depth-first with an explicit stack. The visited set
// keeps a corrupted cycle from looping.
func collectSubtree(ctx context.Context, r metadata.Reader, root *models.Node) ([]*models.Node, error) {
	var out []*models.Node
	visited := map[string]bool{root.ID: true}
	stack := []*models.Node{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, n)
		if !n.IsFolder {
			continue
		}
		children, err := r.ListChildren(ctx, n.OwnerID, &n.ID)
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", n.ID, err)
		}
		for _, c := range children {
			if !visited[c.ID] {
				visited[c.ID] = true
				stack = append(stack, c)
			}
		}
	}
	return out, nil
}
