// Package metadata defines the node persistence interface consumed by the
// tree store. Implementations live in the postgres and memory subpackages.
package metadata

import (
	"context"

	"github.com/amitdevx/FileFlow/internal/models"
)

// Errors returned by every implementation.
var (
	ErrNotFound = models.ErrNotFound
	ErrConflict = models.ErrConflict
)

// Reader exposes point and child lookups.
type Reader interface {
	// Get returns a copy of the node or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Node, error)

	// ListChildren returns the owner's nodes under parentID, nil meaning
	// the root. Folders come first, then files, each ordered by name.
	ListChildren(ctx context.Context, ownerID string, parentID *string) ([]*models.Node, error)
}

// Tx is a unit of work. Writes become visible to other callers only when
// the function passed to InTx returns nil.
type Tx interface {
	Reader

	// Lock serializes concurrent writers on the given rows until the
	// transaction ends. Missing ids are ignored.
	Lock(ctx context.Context, ids ...string) error

	// LockOwner serializes structural changes (moves, recursive deletes)
	// within one owner's tree until the transaction ends.
	LockOwner(ctx context.Context, ownerID string) error

	// Insert adds nodes in order, so a folder may precede its children in
	// one call. A duplicate id or owner filepath fails with ErrConflict.
	Insert(ctx context.Context, nodes ...*models.Node) error

	// Update overwrites the mutable fields of an existing node.
	Update(ctx context.Context, n *models.Node) error

	// Delete removes the given rows and returns how many existed.
	Delete(ctx context.Context, ids []string) (int64, error)
}

// Repository is the persistence interface.
type Repository interface {
	Reader

	// PathInUse reports whether a non-folder node of the owner already uses
	// filepath as its storage key, or as a directory of keys below it.
	PathInUse(ctx context.Context, ownerID, filepath string) (bool, error)

	// Search returns the owner's nodes matching q, newest first.
	Search(ctx context.Context, ownerID string, q models.SearchQuery) ([]*models.Node, error)

	// InTx runs fn in a transaction, committing when it returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ProfileStore

	Close() error
}

// ProfileStore persists saved search profiles.
type ProfileStore interface {
	// SaveProfile inserts p. A duplicate id fails with ErrConflict.
	SaveProfile(ctx context.Context, p *models.SearchProfile) error

	// GetProfile returns a copy of the profile or ErrNotFound.
	GetProfile(ctx context.Context, id string) (*models.SearchProfile, error)

	// ListProfiles returns the owner's profiles, oldest first.
	ListProfiles(ctx context.Context, ownerID string) ([]*models.SearchProfile, error)

	// DeleteProfile removes a profile. A missing id is ErrNotFound.
	DeleteProfile(ctx context.Context, id string) error
}
