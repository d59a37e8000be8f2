package archive

import (
	"archive/tar"
	stdzip "archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"
)

var testFiles = []struct {
	name    string
	content string
}{
	{"a.txt", "alpha\n"},
	{"b.txt", strings.Repeat("bravo ", 500)},
	{"c.bin", "\x00\x01\x02\xff"},
}

func writeSources(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for i, f := range testFiles {
		// Nest sources so the test proves names are flattened.
		sub := filepath.Join(dir, "src", string(rune('x'+i)))
		if err := os.MkdirAll(sub, 0755); err != nil {
			t.Fatal(err)
		}
		p := filepath.Join(sub, f.name)
		if err := os.WriteFile(p, []byte(f.content), 0644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	return paths
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("walk %s: %v", root, err)
	}
	return out
}

func memSource(name, content string) source {
	return source{
		name:    name,
		size:    int64(len(content)),
		mode:    0644,
		modTime: time.Now(),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func write7z(t *testing.T, path string, entries []source, password string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeSevenZip(context.Background(), f, entries, password); err != nil {
		f.Close()
		t.Fatalf("writeSevenZip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func writeStdZip(t *testing.T, path string, add func(zw *stdzip.Writer)) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := stdzip.NewWriter(f)
	add(zw)
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func writeStdTar(t *testing.T, path string, headers []*tar.Header, bodies []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(f)
	for i, h := range headers {
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("write header %s: %v", h.Name, err)
		}
		if i < len(bodies) && bodies[i] != "" {
			if _, err := tw.Write([]byte(bodies[i])); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
}

// assertEmptyDir fails when dir holds anything, which is how the tests
// prove that a rejected extraction wrote nothing.
func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected %s to be empty, found %v", dir, names)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		format   Format
		password string
	}{
		{FormatZip, ""},
		{FormatZip, "s3cret"},
		{FormatTar, ""},
		{FormatTarGz, ""},
		{FormatTarBz2, ""},
		{FormatTarXz, ""},
		{FormatSevenZip, ""},
		{FormatSevenZip, "s3cret"},
	}

	for _, tt := range tests {
		name := tt.format.String()
		if tt.password != "" {
			name += "+password"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := New(Limits{})
			sources := writeSources(t)
			work := t.TempDir()
			archivePath := filepath.Join(work, "bundle."+tt.format.Extension())

			if err := c.Create(ctx, sources, archivePath, tt.format, tt.password); err != nil {
				t.Fatalf("create: %v", err)
			}

			names, err := c.List(ctx, archivePath, tt.password)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			want := []string{"a.txt", "b.txt", "c.bin"}
			if !reflect.DeepEqual(names, want) {
				t.Errorf("list = %v, want %v", names, want)
			}

			dest := filepath.Join(work, "out")
			if err := c.Extract(ctx, archivePath, dest, tt.password); err != nil {
				t.Fatalf("extract: %v", err)
			}
			got := readTree(t, dest)
			if len(got) != len(testFiles) {
				t.Fatalf("expected %d files, got %v", len(testFiles), got)
			}
			for _, f := range testFiles {
				if got[f.name] != f.content {
					t.Errorf("%s: content mismatch (%d bytes vs %d)", f.name, len(got[f.name]), len(f.content))
				}
			}

			info, err := os.Stat(filepath.Join(dest, "a.txt"))
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0644 {
				t.Errorf("expected 0644, got %v", info.Mode().Perm())
			}
		})
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b := filepath.Join(dir, "b.txt")
	a := filepath.Join(dir, "a.txt")
	os.WriteFile(b, []byte("b"), 0644)
	os.WriteFile(a, []byte("a"), 0644)

	c := New(Limits{})
	for _, format := range []Format{FormatZip, FormatTarGz, FormatSevenZip} {
		archivePath := filepath.Join(dir, "order."+format.Extension())
		if err := c.Create(ctx, []string{b, a}, archivePath, format, ""); err != nil {
			t.Fatalf("%s create: %v", format, err)
		}
		names, err := c.List(ctx, archivePath, "")
		if err != nil {
			t.Fatalf("%s list: %v", format, err)
		}
		if !reflect.DeepEqual(names, []string{"b.txt", "a.txt"}) {
			t.Errorf("%s: list = %v, want [b.txt a.txt]", format, names)
		}
	}
}

func TestListWritesNothing(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	sources := writeSources(t)
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "x.tar.gz")
	if err := c.Create(ctx, sources, archivePath, FormatTarGz, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := c.List(ctx, archivePath, ""); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the archive in %s, found %d entries", dir, len(entries))
	}
}

func TestListReader(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	sources := writeSources(t)
	dir := t.TempDir()

	for _, format := range []Format{FormatZip, FormatTar, FormatTarBz2, FormatSevenZip} {
		archivePath := filepath.Join(dir, "mem."+format.Extension())
		if err := c.Create(ctx, sources, archivePath, format, ""); err != nil {
			t.Fatalf("%s create: %v", format, err)
		}
		data, err := os.ReadFile(archivePath)
		if err != nil {
			t.Fatal(err)
		}
		names, err := c.ListReader(ctx, bytes.NewReader(data), int64(len(data)), format, "")
		if err != nil {
			t.Fatalf("%s list reader: %v", format, err)
		}
		if len(names) != 3 || names[0] != "a.txt" {
			t.Errorf("%s: unexpected names %v", format, names)
		}
	}
}

func TestCreateErrors(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	sources := writeSources(t)
	dir := t.TempDir()

	if err := c.Create(ctx, sources, filepath.Join(dir, "x.rar"), FormatUnknown, ""); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
	if err := c.Create(ctx, nil, filepath.Join(dir, "x.zip"), FormatZip, ""); !errors.Is(err, ErrEmptyInput) {
		t.Errorf("expected ErrEmptyInput, got %v", err)
	}
	if err := c.Create(ctx, sources, filepath.Join(dir, "x.tar"), FormatTar, "pw"); !errors.Is(err, ErrPasswordUnsupported) {
		t.Errorf("expected ErrPasswordUnsupported, got %v", err)
	}

	dup := filepath.Join(dir, "other")
	os.MkdirAll(dup, 0755)
	os.WriteFile(filepath.Join(dup, "a.txt"), []byte("again"), 0644)
	if err := c.Create(ctx, append(sources, filepath.Join(dup, "a.txt")), filepath.Join(dir, "x.zip"), FormatZip, ""); !errors.Is(err, ErrDuplicateMember) {
		t.Errorf("expected ErrDuplicateMember, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name() != "other" {
			t.Errorf("unexpected leftover %s", e.Name())
		}
	}
}

func TestCreateRemovesPartialArchive(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	dir := t.TempDir()
	src := filepath.Join(dir, "present.txt")
	os.WriteFile(src, []byte("x"), 0644)

	out := t.TempDir()
	err := c.Create(ctx, []string{src, filepath.Join(dir, "missing.txt")}, filepath.Join(out, "x.zip"), FormatZip, "")
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	assertEmptyDir(t, out)
}

func TestCreateHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Limits{})
	out := t.TempDir()
	err := c.Create(ctx, writeSources(t), filepath.Join(out, "x.tar"), FormatTar, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	assertEmptyDir(t, out)
}

func TestExtractRejectsTraversal(t *testing.T) {
	const evil = "../../etc/passwd"

	builders := map[string]func(t *testing.T, path string){
		"evil.zip": func(t *testing.T, path string) {
			writeStdZip(t, path, func(zw *stdzip.Writer) {
				w, _ := zw.Create("ok.txt")
				w.Write([]byte("fine"))
				w, _ = zw.Create(evil)
				w.Write([]byte("root::0:0"))
			})
		},
		"evil.tar": func(t *testing.T, path string) {
			writeStdTar(t, path, []*tar.Header{
				{Name: "ok.txt", Mode: 0644, Size: 4, Typeflag: tar.TypeReg},
				{Name: evil, Mode: 0644, Size: 9, Typeflag: tar.TypeReg},
			}, []string{"fine", "root::0:0"})
		},
		"evil.7z": func(t *testing.T, path string) {
			write7z(t, path, []source{memSource("ok.txt", "fine"), memSource(evil, "root::0:0")}, "")
		},
		"abs.zip": func(t *testing.T, path string) {
			writeStdZip(t, path, func(zw *stdzip.Writer) {
				w, _ := zw.Create("/etc/cron.d/job")
				w.Write([]byte("* * * * * root sh"))
			})
		},
		"backslash.zip": func(t *testing.T, path string) {
			writeStdZip(t, path, func(zw *stdzip.Writer) {
				w, _ := zw.Create(`..\..\evil.bat`)
				w.Write([]byte("x"))
			})
		},
	}

	for name, build := range builders {
		t.Run(name, func(t *testing.T) {
			archiveDir := t.TempDir()
			archivePath := filepath.Join(archiveDir, name)
			build(t, archivePath)

			parent := t.TempDir()
			dest := filepath.Join(parent, "out")
			err := New(Limits{}).Extract(context.Background(), archivePath, dest, "")
			if !errors.Is(err, ErrPathTraversal) {
				t.Fatalf("expected ErrPathTraversal, got %v", err)
			}
			var te *TraversalError
			if !errors.As(err, &te) || te.Member == "" || te.Member == "ok.txt" {
				t.Errorf("expected TraversalError naming the bad member, got %v", err)
			}
			assertEmptyDir(t, parent)
		})
	}
}

func TestExtractRejectsUnsafeTarMembers(t *testing.T) {
	tests := []struct {
		name string
		hdr  *tar.Header
	}{
		{"escaping symlink", &tar.Header{Name: "link", Linkname: "../../outside", Typeflag: tar.TypeSymlink, Mode: 0777}},
		{"absolute symlink", &tar.Header{Name: "link", Linkname: "/etc/shadow", Typeflag: tar.TypeSymlink, Mode: 0777}},
		{"escaping hardlink", &tar.Header{Name: "hard", Linkname: "../secret", Typeflag: tar.TypeLink, Mode: 0644}},
		{"char device", &tar.Header{Name: "null", Typeflag: tar.TypeChar, Devmajor: 1, Devminor: 3, Mode: 0666}},
		{"block device", &tar.Header{Name: "sda", Typeflag: tar.TypeBlock, Devmajor: 8, Mode: 0660}},
		{"fifo", &tar.Header{Name: "pipe", Typeflag: tar.TypeFifo, Mode: 0644}},
		{"setuid file", &tar.Header{Name: "suid", Typeflag: tar.TypeReg, Mode: 0o4755}},
		{"setgid dir", &tar.Header{Name: "sgid/", Typeflag: tar.TypeDir, Mode: 0o2755}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archivePath := filepath.Join(t.TempDir(), "bad.tar")
			writeStdTar(t, archivePath, []*tar.Header{
				{Name: "ok.txt", Mode: 0644, Size: 2, Typeflag: tar.TypeReg},
				tt.hdr,
			}, []string{"ok"})

			parent := t.TempDir()
			err := New(Limits{}).Extract(context.Background(), archivePath, filepath.Join(parent, "out"), "")
			if !errors.Is(err, ErrPathTraversal) {
				t.Fatalf("expected ErrPathTraversal, got %v", err)
			}
			assertEmptyDir(t, parent)
		})
	}
}

func TestExtractSkipsSafeLinks(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "links.tar")
	writeStdTar(t, archivePath, []*tar.Header{
		{Name: "d/", Mode: 0755, Typeflag: tar.TypeDir},
		{Name: "d/a.txt", Mode: 0644, Size: 5, Typeflag: tar.TypeReg},
		{Name: "d/link", Linkname: "a.txt", Typeflag: tar.TypeSymlink, Mode: 0777},
		{Name: "d/hard", Linkname: "d/a.txt", Typeflag: tar.TypeLink, Mode: 0644},
	}, []string{"", "hello"})

	dest := filepath.Join(t.TempDir(), "out")
	if err := New(Limits{}).Extract(context.Background(), archivePath, dest, ""); err != nil {
		t.Fatalf("extract: %v", err)
	}
	got := readTree(t, dest)
	if !reflect.DeepEqual(got, map[string]string{"d/a.txt": "hello"}) {
		t.Errorf("unexpected tree %v", got)
	}
	if _, err := os.Lstat(filepath.Join(dest, "d", "link")); !os.IsNotExist(err) {
		t.Errorf("expected symlink to be skipped, lstat err = %v", err)
	}
}

func TestExtractRejectsZipSymlinkEscape(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "link.zip")
	writeStdZip(t, archivePath, func(zw *stdzip.Writer) {
		fh := &stdzip.FileHeader{Name: "link", Method: stdzip.Store}
		fh.SetMode(fs.ModeSymlink | 0777)
		w, err := zw.CreateHeader(fh)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("../../outside"))
	})

	parent := t.TempDir()
	err := New(Limits{}).Extract(context.Background(), archivePath, filepath.Join(parent, "out"), "")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
	assertEmptyDir(t, parent)
}

func TestExtractRejects7zSymlinkEscape(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "link.7z")
	link := memSource("link", "../../../outside")
	link.mode = fs.ModeSymlink | 0777
	write7z(t, archivePath, []source{memSource("a.txt", "a"), link}, "")

	parent := t.TempDir()
	err := New(Limits{}).Extract(context.Background(), archivePath, filepath.Join(parent, "out"), "")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
	assertEmptyDir(t, parent)
}

func TestSevenZipEmptyFilesAndDirs(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "mixed.7z")
	dir := memSource("sub", "")
	dir.mode = fs.ModeDir | 0755
	write7z(t, archivePath, []source{
		memSource("full.txt", "content"),
		memSource("empty.txt", ""),
		dir,
		memSource("sub/inner.txt", "inner"),
	}, "")

	c := New(Limits{})
	names, err := c.List(context.Background(), archivePath, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 4 {
		t.Fatalf("expected 4 names, got %v", names)
	}

	dest := filepath.Join(t.TempDir(), "out")
	if err := c.Extract(context.Background(), archivePath, dest, ""); err != nil {
		t.Fatalf("extract: %v", err)
	}
	got := readTree(t, dest)
	want := map[string]string{"full.txt": "content", "empty.txt": "", "sub/inner.txt": "inner"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tree = %v, want %v", got, want)
	}
}

func TestSevenZipCompressesContent(t *testing.T) {
	content := strings.Repeat("fileflow compresses repetitive text\n", 4096)
	for _, password := range []string{"", "s3cret"} {
		t.Run("password="+password, func(t *testing.T) {
			dir := t.TempDir()
			archivePath := filepath.Join(dir, "big.7z")
			write7z(t, archivePath, []source{memSource("big.txt", content), memSource("small.txt", "x")}, password)

			info, err := os.Stat(archivePath)
			if err != nil {
				t.Fatal(err)
			}
			if info.Size() >= int64(len(content))/10 {
				t.Errorf("archive is %d bytes for %d bytes of input", info.Size(), len(content))
			}

			dest := filepath.Join(dir, "out")
			if err := New(Limits{}).Extract(context.Background(), archivePath, dest, password); err != nil {
				t.Fatalf("extract: %v", err)
			}
			got := readTree(t, dest)
			if got["big.txt"] != content || got["small.txt"] != "x" {
				t.Errorf("round trip mismatch: %d bytes, small=%q", len(got["big.txt"]), got["small.txt"])
			}
		})
	}
}

func TestExtractPasswordErrors(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	sources := writeSources(t)
	work := t.TempDir()

	zipPath := filepath.Join(work, "locked.zip")
	if err := c.Create(ctx, sources, zipPath, FormatZip, "right"); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	if err := c.Extract(ctx, zipPath, filepath.Join(parent, "none"), ""); !errors.Is(err, ErrPasswordRequired) {
		t.Errorf("expected ErrPasswordRequired, got %v", err)
	}
	if err := c.Extract(ctx, zipPath, filepath.Join(parent, "wrong"), "wrong"); !errors.Is(err, ErrBadPassword) {
		t.Errorf("expected ErrBadPassword, got %v", err)
	}
	assertEmptyDir(t, parent)

}

func TestExtractTarWithPasswordRejected(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	archivePath := filepath.Join(t.TempDir(), "plain.tar")
	if err := c.Create(ctx, writeSources(t), archivePath, FormatTar, ""); err != nil {
		t.Fatal(err)
	}
	err := c.Extract(ctx, archivePath, filepath.Join(t.TempDir(), "out"), "pw")
	if !errors.Is(err, ErrPasswordUnsupported) {
		t.Fatalf("expected ErrPasswordUnsupported, got %v", err)
	}
}

func TestExtractLimits(t *testing.T) {
	ctx := context.Background()
	sources := writeSources(t)
	archivePath := filepath.Join(t.TempDir(), "x.zip")
	if err := New(Limits{}).Create(ctx, sources, archivePath, FormatZip, ""); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	err := New(Limits{MaxEntries: 2}).Extract(ctx, archivePath, filepath.Join(parent, "a"), "")
	if !errors.Is(err, ErrArchiveTooLarge) {
		t.Errorf("expected ErrArchiveTooLarge for entry count, got %v", err)
	}
	err = New(Limits{MaxExtractBytes: 16}).Extract(ctx, archivePath, filepath.Join(parent, "b"), "")
	if !errors.Is(err, ErrArchiveTooLarge) {
		t.Errorf("expected ErrArchiveTooLarge for size, got %v", err)
	}
	assertEmptyDir(t, parent)
}

func TestExtractRejectsDuplicates(t *testing.T) {
	tests := []struct {
		name    string
		members []string
	}{
		{"same name", []string{"same.txt", "./same.txt"}},
		{"file then child", []string{"a", "a/b.txt"}},
		{"child then file", []string{"a/b.txt", "a"}},
		{"file under file deep", []string{"a/b", "a/b/c/d.txt"}},
		{"file then dir", []string{"a", "a/"}},
	}
	for _, tt := range tests {
		archivePath := filepath.Join(t.TempDir(), "dup.zip")
		writeStdZip(t, archivePath, func(zw *stdzip.Writer) {
			for _, name := range tt.members {
				w, _ := zw.Create(name)
				if !strings.HasSuffix(name, "/") {
					w.Write([]byte(name))
				}
			}
		})
		parent := t.TempDir()
		err := New(Limits{}).Extract(context.Background(), archivePath, filepath.Join(parent, "out"), "")
		if !errors.Is(err, ErrDuplicateMember) {
			t.Errorf("%s: expected ErrDuplicateMember, got %v", tt.name, err)
		}
		assertEmptyDir(t, parent)
	}
}

func TestExtractNestedDirsAllowed(t *testing.T) {
	archivePath := filepath.Join(t.TempDir(), "nested.zip")
	writeStdZip(t, archivePath, func(zw *stdzip.Writer) {
		zw.Create("a/")
		w, _ := zw.Create("a/b/c.txt")
		w.Write([]byte("c"))
		zw.Create("a/b/")
	})
	dest := filepath.Join(t.TempDir(), "out")
	if err := New(Limits{}).Extract(context.Background(), archivePath, dest, ""); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := readTree(t, dest); got["a/b/c.txt"] != "c" {
		t.Errorf("extracted %v", got)
	}
}

func TestExtractDestination(t *testing.T) {
	ctx := context.Background()
	c := New(Limits{})
	archivePath := filepath.Join(t.TempDir(), "x.tar.xz")
	if err := c.Create(ctx, writeSources(t), archivePath, FormatTarXz, ""); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	busy := filepath.Join(parent, "busy")
	os.MkdirAll(busy, 0755)
	os.WriteFile(filepath.Join(busy, "keep"), []byte("k"), 0644)
	if err := c.Extract(ctx, archivePath, busy, ""); !errors.Is(err, ErrDestinationNotEmpty) {
		t.Errorf("expected ErrDestinationNotEmpty, got %v", err)
	}

	empty := filepath.Join(parent, "empty")
	os.MkdirAll(empty, 0755)
	if err := c.Extract(ctx, archivePath, empty, ""); err != nil {
		t.Fatalf("extract into empty dir: %v", err)
	}
	if len(readTree(t, empty)) != 3 {
		t.Error("expected 3 files in the previously empty destination")
	}

	entries, _ := os.ReadDir(parent)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"busy", "empty"}) {
		t.Errorf("staging directory left behind: %v", names)
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name string
		want Format
	}{
		{"a.zip", FormatZip},
		{"A.ZIP", FormatZip},
		{"a.tar", FormatTar},
		{"a.tar.gz", FormatTarGz},
		{"a.TAR.GZ", FormatTarGz},
		{"a.gz", FormatTarGz},
		{"a.tar.bz2", FormatTarBz2},
		{"a.bz2", FormatTarBz2},
		{"a.tar.xz", FormatTarXz},
		{"a.xz", FormatTarXz},
		{"a.7z", FormatSevenZip},
		{"dir/nested.7Z", FormatSevenZip},
	}
	for _, tt := range tests {
		got, err := DetectFormat(tt.name)
		if err != nil || got != tt.want {
			t.Errorf("DetectFormat(%q) = %v, %v; want %v", tt.name, got, err, tt.want)
		}
	}

	for _, bad := range []string{"a.rar", "a", "zip", "a.tgz", "a.zip.txt"} {
		if _, err := DetectFormat(bad); !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("DetectFormat(%q) expected ErrUnsupportedFormat, got %v", bad, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	for tag, want := range map[string]Format{
		"zip": FormatZip, "tar": FormatTar, "tar.gz": FormatTarGz,
		"tar.bz2": FormatTarBz2, "tar.xz": FormatTarXz, "7z": FormatSevenZip, "ZIP": FormatZip,
	} {
		got, err := ParseFormat(tag)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %v, %v; want %v", tag, got, err, want)
		}
	}
	if _, err := ParseFormat("rar"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestStem(t *testing.T) {
	tests := map[string]string{
		"photos.zip":     "photos",
		"backup.tar.gz":  "backup",
		"Backup.TAR.BZ2": "Backup",
		"logs.xz":        "logs",
		"a.b.7z":         "a.b",
		".zip":           "archive",
		"...zip":         "archive",
		"..tar.gz":       "archive",
		". .7z":          "archive",
		"a..zip":         "a.",
	}
	for in, want := range tests {
		if got := Stem(in); got != want {
			t.Errorf("Stem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatMimeType(t *testing.T) {
	if FormatZip.MimeType() != "application/zip" {
		t.Errorf("zip mime = %s", FormatZip.MimeType())
	}
	if FormatTarGz.MimeType() != "application/x-tar" {
		t.Errorf("tar.gz mime = %s", FormatTarGz.MimeType())
	}
	if FormatSevenZip.MimeType() != "application/x-7z-compressed" {
		t.Errorf("7z mime = %s", FormatSevenZip.MimeType())
	}
}

func TestWriteNumber(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x80}},
		{0x3FFF, []byte{0xBF, 0xFF}},
		{0x4000, []byte{0xC0, 0x00, 0x40}},
	}
	for _, tt := range tests {
		var b bytes.Buffer
		writeNumber(&b, tt.v)
		if !bytes.Equal(b.Bytes(), tt.want) {
			t.Errorf("writeNumber(%#x) = % x, want % x", tt.v, b.Bytes(), tt.want)
		}
	}
}

func TestBitVector(t *testing.T) {
	got := bitVector([]bool{true, false, false, false, false, false, false, true, true})
	if !bytes.Equal(got, []byte{0x81, 0x80}) {
		t.Errorf("bitVector = % x", got)
	}
}
