// Package models contains the data types shared across FileFlow packages.
package models

import "time"

// Node represents a file or folder in a user's tree.
type Node struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	Filepath    string    `json:"filepath"`
	OwnerID     string    `json:"owner_id"`
	IsFolder    bool      `json:"is_folder"`
	ParentID    *string   `json:"parent_id"`
	CreatedAt   time.Time `json:"created_at"`
	ModifiedAt  time.Time `json:"modified_at"`
	SizeBytes   int64     `json:"size_bytes"`
	MimeType    string    `json:"mime_type"`
	ContentHash *string   `json:"content_hash,omitempty"`
	IsFavorite  bool      `json:"is_favorite"`
	Tags        []string  `json:"tags"`
}

// IsRoot reports whether the node sits at the top of its owner's tree.
func (n *Node) IsRoot() bool {
	return n.ParentID == nil
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (n *Node) Clone() *Node {
	c := *n
	if n.ParentID != nil {
		p := *n.ParentID
		c.ParentID = &p
	}
	if n.ContentHash != nil {
		h := *n.ContentHash
		c.ContentHash = &h
	}
	if n.Tags != nil {
		c.Tags = append([]string(nil), n.Tags...)
	}
	return &c
}

// SameParent reports whether two optional parent ids refer to the same folder.
func SameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SearchQuery filters a user's nodes.
type SearchQuery struct {
	Query         string     `json:"query"`
	MimePrefixes  []string   `json:"mime_prefixes,omitempty"`
	MinSize       int64      `json:"min_size,omitempty"`
	MaxSize       int64      `json:"max_size,omitempty"`
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	FavoritesOnly bool       `json:"favorites_only,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

const (
	DefaultSearchLimit = 100
	MaxSearchLimit     = 500
)

// EffectiveLimit clamps Limit to the supported range.
func (q SearchQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultSearchLimit
	}
	if q.Limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return q.Limit
}

// SearchProfile is a named SearchQuery saved by its owner for reuse.
type SearchProfile struct {
	ID        string      `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Name      string      `json:"name"`
	Query     SearchQuery `json:"query"`
	CreatedAt time.Time   `json:"created_at"`
}

// Clone returns a deep copy of the profile.
func (p *SearchProfile) Clone() *SearchProfile {
	c := *p
	q := &c.Query
	if q.MimePrefixes != nil {
		q.MimePrefixes = append([]string(nil), q.MimePrefixes...)
	}
	if q.From != nil {
		from := *q.From
		q.From = &from
	}
	if q.To != nil {
		to := *q.To
		q.To = &to
	}
	return &c
}
