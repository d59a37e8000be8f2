package compression

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/amitdevx/FileFlow/internal/archive"
	"github.com/amitdevx/FileFlow/internal/events"
	"github.com/amitdevx/FileFlow/internal/metadata/memory"
	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/storage"
	"github.com/amitdevx/FileFlow/internal/storage/local"
	"github.com/amitdevx/FileFlow/internal/tree"
	"github.com/amitdevx/FileFlow/internal/validation"
)

// testBackend wraps the local backend. failPut makes PutObject fail for
// keys with that prefix; buffered hides the *os.File returned by reads.
type testBackend struct {
	storage.Backend
	failPut  string
	buffered bool
}

func (b *testBackend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	if b.failPut != "" && strings.HasPrefix(key, b.failPut) {
		return fmt.Errorf("injected failure for %s", key)
	}
	return b.Backend.PutObject(ctx, key, body, size)
}

func (b *testBackend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	rc, size, err := b.Backend.GetObject(ctx, key, offset, length)
	if err != nil || !b.buffered {
		return rc, size, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

type fixture struct {
	svc     *Service
	store   *tree.Store
	repo    *memory.Store
	blobs   *testBackend
	root    string
	workDir string
	events  *events.Broadcaster
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	blobRoot := filepath.Join(t.TempDir(), "blobs")
	lb, err := local.New(local.Config{RootPath: blobRoot, CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	blobs := &testBackend{Backend: lb}
	repo := memory.New()
	store := tree.New(repo, blobs, validation.New(validation.Config{}))
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(t.TempDir(), "work")
	}
	b := events.NewBroadcaster()
	svc, err := New(store, archive.New(archive.Limits{}), b, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, store: store, repo: repo, blobs: blobs, root: lb.Root(), workDir: cfg.WorkDir, events: b}
}

func (f *fixture) upload(t *testing.T, owner, name string, content []byte) *models.Node {
	t.Helper()
	n, err := f.store.Upload(context.Background(), owner, name, nil, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("upload %s: %v", name, err)
	}
	return n
}

func (f *fixture) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir not cleaned up: %v", entries)
	}
}

func zipBytes(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasSuffix(name, "/") {
			fmt.Fprintf(w, "content of %s", name)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func childNames(t *testing.T, f *fixture, owner string, parent *string) []string {
	t.Helper()
	kids, err := f.store.ListChildren(context.Background(), owner, parent)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, k := range kids {
		names = append(names, k.Filename)
	}
	return names
}

func TestCreateArchiveBundle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.upload(t, "u1", "a.txt", []byte("alpha"))
	b := f.upload(t, "u1", "b.txt", []byte("bravo"))
	sub := f.events.Subscribe("u1")
	defer f.events.Unsubscribe(sub)

	n, err := f.svc.CreateArchiveForUser(ctx, "u1", []string{a.ID, b.ID}, "bundle", archive.FormatZip, "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.Filename != "bundle.zip" || n.IsFolder || n.ParentID != nil {
		t.Errorf("unexpected node %+v", n)
	}
	if n.MimeType != "application/zip" || n.Filepath != "u1/bundle.zip" || n.ContentHash == nil {
		t.Errorf("unexpected node %+v", n)
	}

	names, err := f.svc.ListArchiveForUser(ctx, "u1", n.ID, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if strings.Join(names, ",") != "a.txt,b.txt" {
		t.Errorf("members = %v", names)
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventCreate || e.NodeID != n.ID {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no create event")
	}
	f.assertWorkDirEmpty(t)
}

func TestCreateArchiveFiltersInputs(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.upload(t, "u1", "a.txt", []byte("alpha"))
	theirs := f.upload(t, "u2", "b.txt", []byte("bravo"))
	dir, err := f.store.CreateFolder(ctx, "u1", "docs", nil)
	if err != nil {
		t.Fatal(err)
	}

	n, err := f.svc.CreateArchiveForUser(ctx, "u1",
		[]string{theirs.ID, dir.ID, "missing", a.ID, a.ID}, "mixed", archive.FormatTarGz, "", &dir.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n.ParentID == nil || *n.ParentID != dir.ID || n.MimeType != "application/x-tar" {
		t.Errorf("unexpected node %+v", n)
	}
	names, err := f.svc.ListArchiveForUser(ctx, "u1", n.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "a.txt" {
		t.Errorf("members = %v", names)
	}

	_, err = f.svc.CreateArchiveForUser(ctx, "u1", []string{theirs.ID, dir.ID}, "none", archive.FormatZip, "", nil)
	if !errors.Is(err, ErrNoValidFiles) || !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected ErrNoValidFiles, got %v", err)
	}
}

func TestCreateArchiveRejects(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.upload(t, "u1", "a.txt", []byte("alpha"))

	tests := []struct {
		name     string
		archive  string
		format   archive.Format
		password string
		want     error
	}{
		{"tar with password", "x", archive.FormatTar, "secret", archive.ErrPasswordUnsupported},
		{"unknown format", "x", archive.FormatUnknown, "", archive.ErrUnsupportedFormat},
		{"bad name", "a/b", archive.FormatZip, "", models.ErrValidation},
	}
	for _, tt := range tests {
		_, err := f.svc.CreateArchiveForUser(ctx, "u1", []string{a.ID}, tt.archive, tt.format, tt.password, nil)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
	if f.repo.Len() != 1 {
		t.Errorf("rejected requests left nodes: %d", f.repo.Len())
	}
}

func TestCreateArchiveUniqueKey(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.upload(t, "u1", "a.txt", []byte("alpha"))

	first, err := f.svc.CreateArchiveForUser(ctx, "u1", []string{a.ID}, "", archive.FormatSevenZip, "pw", nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.CreateArchiveForUser(ctx, "u1", []string{a.ID}, "", archive.FormatSevenZip, "pw", nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.Filename != "archive.7z" || first.Filepath != "u1/archive.7z" || second.Filepath != "u1/archive-1.7z" {
		t.Errorf("keys = %s, %s", first.Filepath, second.Filepath)
	}
}

func TestExtractRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.upload(t, "u1", "a.txt", []byte("alpha"))
	b := f.upload(t, "u1", "b.txt", []byte("bravo"))

	for _, format := range []archive.Format{archive.FormatZip, archive.FormatTarBz2, archive.FormatSevenZip} {
		t.Run(format.String(), func(t *testing.T) {
			password := ""
			if format.SupportsPassword() {
				password = "secret"
			}
			arc, err := f.svc.CreateArchiveForUser(ctx, "u1", []string{a.ID, b.ID}, "round-"+strings.ReplaceAll(format.String(), ".", "-"), format, password, nil)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			folder, err := f.svc.ExtractArchiveForUser(ctx, "u1", arc.ID, password)
			if err != nil {
				t.Fatalf("extract: %v", err)
			}
			if !folder.IsFolder || folder.Filename != archive.Stem(arc.Filename) || folder.ParentID != nil {
				t.Errorf("unexpected folder %+v", folder)
			}

			kids, err := f.store.ListChildren(ctx, "u1", &folder.ID)
			if err != nil {
				t.Fatal(err)
			}
			want := map[string]string{"a.txt": "alpha", "b.txt": "bravo"}
			if len(kids) != len(want) {
				t.Fatalf("children = %v", kids)
			}
			for _, k := range kids {
				rc, _, err := f.store.Open(ctx, "u1", k.ID)
				if err != nil {
					t.Fatalf("open %s: %v", k.Filename, err)
				}
				data, _ := io.ReadAll(rc)
				rc.Close()
				if string(data) != want[k.Filename] {
					t.Errorf("%s = %q", k.Filename, data)
				}
				if k.Filepath != folder.Filepath+"/"+k.Filename {
					t.Errorf("key %s not under %s", k.Filepath, folder.Filepath)
				}
			}
		})
	}
	f.assertWorkDirEmpty(t)
}

func TestExtractRegistersNestedTree(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	arc := f.upload(t, "u1", "nested.zip", zipBytes(t, "docs/", "docs/deep/", "docs/deep/readme.txt", "top.txt"))
	sub := f.events.Subscribe("u1")
	defer f.events.Unsubscribe(sub)

	folder, err := f.svc.ExtractArchiveForUser(ctx, "u1", arc.ID, "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if folder.Filepath != "u1/nested" {
		t.Errorf("folder key = %s", folder.Filepath)
	}
	if got := childNames(t, f, "u1", &folder.ID); strings.Join(got, ",") != "docs,top.txt" {
		t.Errorf("folder children = %v", got)
	}
	kids, _ := f.store.ListChildren(ctx, "u1", &folder.ID)
	deep, _ := f.store.ListChildren(ctx, "u1", &kids[0].ID)
	if len(deep) != 1 || deep[0].Filename != "deep" || !deep[0].IsFolder {
		t.Fatalf("docs children = %v", deep)
	}
	leaf, _ := f.store.ListChildren(ctx, "u1", &deep[0].ID)
	if len(leaf) != 1 || leaf[0].Filepath != "u1/nested/docs/deep/readme.txt" {
		t.Fatalf("deep children = %v", leaf)
	}
	if f.repo.Len() != 6 {
		t.Errorf("expected 6 nodes, got %d", f.repo.Len())
	}

	select {
	case e := <-sub.C:
		if e.Type != events.EventExtract || e.NodeID != folder.ID {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Error("no extract event")
	}

	again, err := f.svc.ExtractArchiveForUser(ctx, "u1", arc.ID, "")
	if err != nil {
		t.Fatalf("second extract: %v", err)
	}
	if again.Filepath != "u1/nested-1" || again.Filename != "nested" {
		t.Errorf("second folder = %+v", again)
	}
}

func TestExtractTraversalLeavesNoTrace(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	arc := f.upload(t, "u1", "evil.zip", zipBytes(t, "../../etc/passwd"))

	_, err := f.svc.ExtractArchiveForUser(ctx, "u1", arc.ID, "")
	if !errors.Is(err, archive.ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
	var te *archive.TraversalError
	if !errors.As(err, &te) || te.Member != "../../etc/passwd" {
		t.Errorf("expected TraversalError for the member, got %v", err)
	}
	if f.repo.Len() != 1 {
		t.Errorf("expected only the archive node, got %d", f.repo.Len())
	}
	if got := childNames(t, f, "u1", nil); len(got) != 1 || got[0] != "evil.zip" {
		t.Errorf("root children = %v", got)
	}

	var files []string
	filepath.Walk(filepath.Dir(f.root), func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	if len(files) != 1 || filepath.Base(files[0]) != "evil.zip" {
		t.Errorf("unexpected files on disk: %v", files)
	}
	f.assertWorkDirEmpty(t)
}

func TestExtractRollsBackOnUploadFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	arc := f.upload(t, "u1", "pack.zip", zipBytes(t, "one.txt", "two.txt", "three.txt"))
	f.blobs.failPut = "u1/pack/two"

	if _, err := f.svc.ExtractArchiveForUser(ctx, "u1", arc.ID, ""); err == nil {
		t.Fatal("expected upload failure")
	}
	if f.repo.Len() != 1 {
		t.Errorf("rollback left %d nodes", f.repo.Len())
	}
	if _, err := os.Stat(filepath.Join(f.root, "u1", "pack", "one.txt")); !os.IsNotExist(err) {
		t.Errorf("uploaded blob not removed: %v", err)
	}
}

func TestExtractChecks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	arc := f.upload(t, "u1", "pack.zip", zipBytes(t, "one.txt"))
	txt := f.upload(t, "u1", "notes.txt", []byte("plain"))
	dir, _ := f.store.CreateFolder(ctx, "u1", "docs", nil)

	tests := []struct {
		name  string
		owner string
		id    string
		want  error
	}{
		{"other owner", "u2", arc.ID, models.ErrForbidden},
		{"missing", "u1", "missing", models.ErrNotFound},
		{"folder", "u1", dir.ID, models.ErrValidation},
		{"not an archive", "u1", txt.ID, archive.ErrUnsupportedFormat},
	}
	for _, tt := range tests {
		if _, err := f.svc.ExtractArchiveForUser(ctx, tt.owner, tt.id, ""); !errors.Is(err, tt.want) {
			t.Errorf("extract %s: expected %v, got %v", tt.name, tt.want, err)
		}
		if _, err := f.svc.ListArchiveForUser(ctx, tt.owner, tt.id, ""); !errors.Is(err, tt.want) {
			t.Errorf("list %s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestExtractDotOnlyName(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	arc := f.upload(t, "u1", "x.zip", zipBytes(t, "one.txt"))
	if _, err := f.store.Rename(ctx, "u1", arc.ID, "...zip"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	folder, err := f.svc.ExtractArchiveForUser(ctx, "u1", arc.ID, "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if folder.Filename != "archive" {
		t.Errorf("folder name = %q", folder.Filename)
	}
	if got := childNames(t, f, "u1", &folder.ID); strings.Join(got, ",") != "one.txt" {
		t.Errorf("children = %v", got)
	}
	f.assertWorkDirEmpty(t)
}

func TestListBuffersNonFileBlobs(t *testing.T) {
	f := newFixture(t, Config{MaxListBytes: 1 << 20})
	ctx := context.Background()
	arc := f.upload(t, "u1", "pack.zip", zipBytes(t, "z.txt", "a.txt"))
	f.blobs.buffered = true

	names, err := f.svc.ListArchiveForUser(ctx, "u1", arc.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(names, ",") != "z.txt,a.txt" {
		t.Errorf("names = %v", names)
	}
	if sort.StringsAreSorted(names) {
		t.Error("names should keep archive order")
	}

	small := newFixture(t, Config{MaxListBytes: 16})
	arc = small.upload(t, "u1", "pack.zip", zipBytes(t, "a.txt"))
	small.blobs.buffered = true
	if _, err := small.svc.ListArchiveForUser(ctx, "u1", arc.ID, ""); !errors.Is(err, archive.ErrArchiveTooLarge) {
		t.Errorf("expected ErrArchiveTooLarge, got %v", err)
	}
}
