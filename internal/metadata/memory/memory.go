// Package memory is an in-process node repository for tests and
// single-node deployments without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/amitdevx/FileFlow/internal/metadata"
	"github.com/amitdevx/FileFlow/internal/models"
)

// Store keeps nodes in a map. A transaction holds the write lock for its
// whole duration and works on a private copy that replaces the map on
// commit.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*models.Node
	profiles map[string]*models.SearchProfile
}

var _ metadata.Repository = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		nodes:    make(map[string]*models.Node),
		profiles: make(map[string]*models.SearchProfile),
	}
}

func (s *Store) Get(ctx context.Context, id string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return get(s.nodes, id)
}

func (s *Store) ListChildren(ctx context.Context, ownerID string, parentID *string) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return children(s.nodes, ownerID, parentID), nil
}

func (s *Store) PathInUse(ctx context.Context, ownerID, filepath string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pathInUse(s.nodes, ownerID, filepath, "", false), nil
}

func (s *Store) Search(ctx context.Context, ownerID string, q models.SearchQuery) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(q.Query)
	var out []*models.Node
	for _, n := range s.nodes {
		if n.OwnerID != ownerID || !matches(n, needle, q) {
			continue
		}
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModifiedAt.Equal(out[j].ModifiedAt) {
			return out[i].ModifiedAt.After(out[j].ModifiedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(n *models.Node, needle string, q models.SearchQuery) bool {
	if needle != "" && !strings.Contains(strings.ToLower(n.Filename), needle) {
		found := false
		for _, tag := range n.Tags {
			if strings.Contains(strings.ToLower(tag), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.MimePrefixes) > 0 {
		mime := strings.ToLower(n.MimeType)
		found := false
		for _, p := range q.MimePrefixes {
			if strings.HasPrefix(mime, strings.ToLower(p)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	switch {
	case q.MinSize > 0 && n.SizeBytes < q.MinSize,
		q.MaxSize > 0 && n.SizeBytes > q.MaxSize,
		q.From != nil && n.ModifiedAt.Before(*q.From),
		q.To != nil && n.ModifiedAt.After(*q.To),
		q.FavoritesOnly && !n.IsFavorite:
		return false
	}
	return true
}

func (s *Store) SaveProfile(ctx context.Context, p *models.SearchProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.ID]; ok {
		return fmt.Errorf("%w: profile %s already exists", metadata.ErrConflict, p.ID)
	}
	s.profiles[p.ID] = p.Clone()
	return nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*models.SearchProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return p.Clone(), nil
}

func (s *Store) ListProfiles(ctx context.Context, ownerID string) ([]*models.SearchProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SearchProfile
	for _, p := range s.profiles {
		if p.OwnerID == ownerID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return metadata.ErrNotFound
	}
	delete(s.profiles, id)
	return nil
}

// InTx serializes all transactions on the repository mutex.
func (s *Store) InTx(ctx context.Context, fn func(tx metadata.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := make(map[string]*models.Node, len(s.nodes))
	for id, n := range s.nodes {
		staged[id] = n
	}
	if err := fn(&tx{nodes: staged}); err != nil {
		return err
	}
	s.nodes = staged
	return nil
}

func (s *Store) Close() error { return nil }

// Len returns the number of stored nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// tx writes replace map entries with fresh clones, so committed nodes
// shared with the live map are never mutated in place.
type tx struct {
	nodes map[string]*models.Node
}

func (t *tx) Get(ctx context.Context, id string) (*models.Node, error) {
	return get(t.nodes, id)
}

func (t *tx) ListChildren(ctx context.Context, ownerID string, parentID *string) ([]*models.Node, error) {
	return children(t.nodes, ownerID, parentID), nil
}

// Lock is a no-op; InTx already holds the repository lock.
func (t *tx) Lock(ctx context.Context, ids ...string) error { return nil }

func (t *tx) LockOwner(ctx context.Context, ownerID string) error { return nil }

func (t *tx) Insert(ctx context.Context, nodes ...*models.Node) error {
	for _, n := range nodes {
		if _, ok := t.nodes[n.ID]; ok {
			return fmt.Errorf("%w: node %s already exists", metadata.ErrConflict, n.ID)
		}
		if n.ParentID != nil {
			if _, ok := t.nodes[*n.ParentID]; !ok {
				return fmt.Errorf("%w: parent does not exist", metadata.ErrNotFound)
			}
		}
		if !n.IsFolder && pathInUse(t.nodes, n.OwnerID, n.Filepath, "", true) {
			return fmt.Errorf("%w: filepath %q in use", metadata.ErrConflict, n.Filepath)
		}
		t.nodes[n.ID] = n.Clone()
	}
	return nil
}

func (t *tx) Update(ctx context.Context, n *models.Node) error {
	old, ok := t.nodes[n.ID]
	if !ok {
		return metadata.ErrNotFound
	}
	if !n.IsFolder && pathInUse(t.nodes, old.OwnerID, n.Filepath, n.ID, true) {
		return fmt.Errorf("%w: filepath %q in use", metadata.ErrConflict, n.Filepath)
	}
	c := n.Clone()
	// Identity columns are not updatable.
	c.OwnerID, c.IsFolder, c.CreatedAt = old.OwnerID, old.IsFolder, old.CreatedAt
	t.nodes[n.ID] = c
	return nil
}

func (t *tx) Delete(ctx context.Context, ids []string) (int64, error) {
	var n int64
	for _, id := range ids {
		if _, ok := t.nodes[id]; ok {
			delete(t.nodes, id)
			n++
		}
	}
	return n, nil
}

func get(nodes map[string]*models.Node, id string) (*models.Node, error) {
	n, ok := nodes[id]
	if !ok {
		return nil, metadata.ErrNotFound
	}
	return n.Clone(), nil
}

func children(nodes map[string]*models.Node, ownerID string, parentID *string) []*models.Node {
	var out []*models.Node
	for _, n := range nodes {
		if n.OwnerID == ownerID && models.SameParent(n.ParentID, parentID) {
			out = append(out, n.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsFolder != out[j].IsFolder {
			return out[i].IsFolder
		}
		a, b := strings.ToLower(out[i].Filename), strings.ToLower(out[j].Filename)
		if a != b {
			return a < b
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// pathInUse matches filepath itself and, unless exact, any key below it.
func pathInUse(nodes map[string]*models.Node, ownerID, filepath, except string, exact bool) bool {
	for id, n := range nodes {
		if id == except || n.IsFolder || n.OwnerID != ownerID {
			continue
		}
		if n.Filepath == filepath || (!exact && strings.HasPrefix(n.Filepath, filepath+"/")) {
			return true
		}
	}
	return false
}
