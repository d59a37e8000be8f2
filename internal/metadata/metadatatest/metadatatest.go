// Package metadatatest holds behaviour tests shared by every
// metadata.Repository implementation.
package metadatatest

import (
	"context"
	"errors"
	"path"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amitdevx/FileFlow/internal/metadata"
	"github.com/amitdevx/FileFlow/internal/models"
)

// Node builds a node for owner with a fresh id.
func Node(owner, name string, folder bool, parent *models.Node) *models.Node {
	now := time.Now().UTC().Truncate(time.Millisecond)
	n := &models.Node{
		ID:         uuid.NewString(),
		Filename:   name,
		OwnerID:    owner,
		IsFolder:   folder,
		CreatedAt:  now,
		ModifiedAt: now,
		Tags:       []string{},
	}
	if !folder {
		n.Filepath = owner + "/" + n.ID + "/" + name
		n.SizeBytes = int64(len(name))
		n.MimeType = "text/plain"
	}
	if parent != nil {
		id := parent.ID
		n.ParentID = &id
	}
	return n
}

func insert(t *testing.T, repo metadata.Repository, nodes ...*models.Node) {
	t.Helper()
	err := repo.InTx(context.Background(), func(tx metadata.Tx) error {
		return tx.Insert(context.Background(), nodes...)
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
}

// Run exercises repo against the repository contract. Each subtest uses
// its own owner, so a shared database does not leak between them.
func Run(t *testing.T, newRepo func(t *testing.T) metadata.Repository) {
	ctx := context.Background()

	t.Run("InsertGet", func(t *testing.T) {
		repo := newRepo(t)
		owner := uuid.NewString()
		folder := Node(owner, "docs", true, nil)
		file := Node(owner, "a.txt", false, folder)
		file.Tags = []string{"red", "work"}
		hash := "abc"
		file.ContentHash = &hash
		insert(t, repo, folder, file)

		got, err := repo.Get(ctx, file.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Filename != "a.txt" || got.ParentID == nil || *got.ParentID != folder.ID {
			t.Errorf("unexpected node %+v", got)
		}
		if got.ContentHash == nil || *got.ContentHash != "abc" {
			t.Errorf("content hash not stored: %v", got.ContentHash)
		}
		if len(got.Tags) != 2 {
			t.Errorf("expected 2 tags, got %v", got.Tags)
		}

		if _, err := repo.Get(ctx, uuid.NewString()); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.Get(ctx, "not-a-uuid"); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("expected ErrNotFound for malformed id, got %v", err)
		}
	})

	t.Run("ListChildrenOrder", func(t *testing.T) {
		repo := newRepo(t)
		owner := uuid.NewString()
		b := Node(owner, "b.txt", false, nil)
		a := Node(owner, "A.txt", false, nil)
		z := Node(owner, "zeta", true, nil)
		other := Node(uuid.NewString(), "other.txt", false, nil)
		insert(t, repo, b, a, z, other)

		kids, err := repo.ListChildren(ctx, owner, nil)
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		for _, k := range kids {
			names = append(names, k.Filename)
		}
		if len(names) != 3 || names[0] != "zeta" || names[1] != "A.txt" || names[2] != "b.txt" {
			t.Errorf("unexpected order %v", names)
		}

		inner := Node(owner, "inner.txt", false, z)
		insert(t, repo, inner)
		kids, _ = repo.ListChildren(ctx, owner, &z.ID)
		if len(kids) != 1 || kids[0].ID != inner.ID {
			t.Errorf("expected only inner.txt, got %v", kids)
		}
	})

	t.Run("FilepathConflict", func(t *testing.T) {
		repo := newRepo(t)
		owner := uuid.NewString()
		a := Node(owner, "a.txt", false, nil)
		insert(t, repo, a)

		dup := Node(owner, "copy.txt", false, nil)
		dup.Filepath = a.Filepath
		err := repo.InTx(ctx, func(tx metadata.Tx) error { return tx.Insert(ctx, dup) })
		if !errors.Is(err, metadata.ErrConflict) {
			t.Fatalf("expected ErrConflict, got %v", err)
		}

		used, err := repo.PathInUse(ctx, owner, a.Filepath)
		if err != nil || !used {
			t.Errorf("PathInUse = %v, %v", used, err)
		}
		used, _ = repo.PathInUse(ctx, uuid.NewString(), a.Filepath)
		if used {
			t.Error("filepath must be scoped per owner")
		}
		dir := path.Dir(a.Filepath)
		if used, _ = repo.PathInUse(ctx, owner, dir); !used {
			t.Errorf("directory %s holding a file should be in use", dir)
		}
		if used, _ = repo.PathInUse(ctx, owner, dir[:len(dir)-1]); used {
			t.Error("a key prefix that is not a directory should be free")
		}
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		repo := newRepo(t)
		owner := uuid.NewString()
		n := Node(owner, "gone.txt", false, nil)
		boom := errors.New("boom")
		err := repo.InTx(ctx, func(tx metadata.Tx) error {
			if err := tx.Insert(ctx, n); err != nil {
				return err
			}
			if _, err := tx.Get(ctx, n.ID); err != nil {
				t.Errorf("insert not visible inside tx: %v", err)
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := repo.Get(ctx, n.ID); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("expected rollback, got %v", err)
		}
	})

	t.Run("UpdateAndDelete", func(t *testing.T) {
		repo := newRepo(t)
		owner := uuid.NewString()
		folder := Node(owner, "f", true, nil)
		file := Node(owner, "a.txt", false, folder)
		insert(t, repo, folder, file)

		err := repo.InTx(ctx, func(tx metadata.Tx) error {
			if err := tx.Lock(ctx, file.ID, folder.ID); err != nil {
				return err
			}
			n, err := tx.Get(ctx, file.ID)
			if err != nil {
				return err
			}
			n.Filename = "renamed.txt"
			n.IsFavorite = true
			n.ParentID = nil
			return tx.Update(ctx, n)
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		got, _ := repo.Get(ctx, file.ID)
		if got.Filename != "renamed.txt" || !got.IsFavorite || got.ParentID != nil {
			t.Errorf("update not applied: %+v", got)
		}

		missing := Node(owner, "missing.txt", false, nil)
		err = repo.InTx(ctx, func(tx metadata.Tx) error { return tx.Update(ctx, missing) })
		if !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		var deleted int64
		err = repo.InTx(ctx, func(tx metadata.Tx) error {
			var err error
			deleted, err = tx.Delete(ctx, []string{file.ID, folder.ID, uuid.NewString()})
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		if deleted != 2 {
			t.Errorf("expected 2 rows deleted, got %d", deleted)
		}
	})

	t.Run("Search", func(t *testing.T) {
		repo := newRepo(t)
		owner := uuid.NewString()
		old := Node(owner, "Holiday.png", false, nil)
		old.MimeType = "image/png"
		old.SizeBytes = 5000
		old.ModifiedAt = old.ModifiedAt.Add(-48 * time.Hour)
		doc := Node(owner, "report.pdf", false, nil)
		doc.MimeType = "application/pdf"
		doc.Tags = []string{"holiday-plans"}
		doc.IsFavorite = true
		small := Node(owner, "notes.txt", false, nil)
		stranger := Node(uuid.NewString(), "holiday.png", false, nil)
		insert(t, repo, old, doc, small, stranger)

		from := time.Now().Add(-time.Hour)
		tests := []struct {
			name string
			q    models.SearchQuery
			want []string
		}{
			{"name or tag", models.SearchQuery{Query: "HOLIDAY"}, []string{doc.ID, old.ID}},
			{"mime prefix", models.SearchQuery{MimePrefixes: []string{"image/"}}, []string{old.ID}},
			{"min size", models.SearchQuery{MinSize: 1000}, []string{old.ID}},
			{"favorites", models.SearchQuery{FavoritesOnly: true}, []string{doc.ID}},
			{"limit", models.SearchQuery{Limit: 1}, []string{doc.ID}},
			{"like wildcard is literal", models.SearchQuery{Query: "%"}, nil},
			{"modified since", models.SearchQuery{From: &from, MimePrefixes: []string{"image/"}}, nil},
		}

		for _, tt := range tests {
			got, err := repo.Search(ctx, owner, tt.q)
			if err != nil {
				t.Fatalf("%s: %v", tt.name, err)
			}
			var ids []string
			for _, n := range got {
				ids = append(ids, n.ID)
			}
			if tt.name == "limit" {
				if len(ids) != 1 {
					t.Errorf("%s: expected 1 result, got %d", tt.name, len(ids))
				}
				continue
			}
			if !sameIDs(ids, tt.want) {
				t.Errorf("%s: got %v, want %v", tt.name, ids, tt.want)
			}
		}
	})

	t.Run("Profiles", func(t *testing.T) {
		repo := newRepo(t)
		owner := uuid.NewString()
		now := time.Now().UTC().Truncate(time.Millisecond)
		from := now.Add(-24 * time.Hour)
		first := &models.SearchProfile{
			ID: uuid.NewString(), OwnerID: owner, Name: "images",
			Query:     models.SearchQuery{Query: "holiday", MimePrefixes: []string{"image/"}, From: &from},
			CreatedAt: now.Add(-time.Minute),
		}
		second := &models.SearchProfile{ID: uuid.NewString(), OwnerID: owner, Name: "big", Query: models.SearchQuery{MinSize: 1 << 20}, CreatedAt: now}
		other := &models.SearchProfile{ID: uuid.NewString(), OwnerID: uuid.NewString(), Name: "theirs", CreatedAt: now}
		for _, p := range []*models.SearchProfile{second, first, other} {
			if err := repo.SaveProfile(ctx, p); err != nil {
				t.Fatalf("save %s: %v", p.Name, err)
			}
		}
		if err := repo.SaveProfile(ctx, first); !errors.Is(err, metadata.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}

		got, err := repo.GetProfile(ctx, first.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Name != "images" || got.Query.Query != "holiday" || len(got.Query.MimePrefixes) != 1 ||
			got.Query.From == nil || !got.Query.From.Equal(from) {
			t.Errorf("round trip = %+v", got)
		}

		list, err := repo.ListProfiles(ctx, owner)
		if err != nil {
			t.Fatal(err)
		}
		if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
			t.Errorf("list = %+v", list)
		}

		if err := repo.DeleteProfile(ctx, first.ID); err != nil {
			t.Fatal(err)
		}
		if err := repo.DeleteProfile(ctx, first.ID); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("second delete: expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetProfile(ctx, first.ID); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetProfile(ctx, "not-a-uuid"); !errors.Is(err, metadata.ErrNotFound) {
			t.Errorf("malformed id: expected ErrNotFound, got %v", err)
		}
	})
}

func sameIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[string]bool, len(want))
	for _, w := range want {
		seen[w] = true
	}
	for _, g := range got {
		if !seen[g] {
			return false
		}
	}
	return true
}
