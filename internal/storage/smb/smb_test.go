package smb

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestNewRequiresMountedDirectory(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plain")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty", Config{}},
		{"missing", Config{MountPath: filepath.Join(dir, "not-mounted")}},
		{"file", Config{MountPath: file}},
	}
	for _, tt := range tests {
		if _, err := New(tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "not-mounted")); !os.IsNotExist(err) {
		t.Error("mount point must not be created")
	}
}

func TestRoundTrip(t *testing.T) {
	mount := t.TempDir()
	raw, _ := json.Marshal(Config{Share: "//nas/files", MountPath: mount})
	b, err := NewFromJSON(raw)
	if err != nil {
		t.Fatal(err)
	}
	if b.Type() != "smb" || b.Share() != "//nas/files" {
		t.Errorf("type %q share %q", b.Type(), b.Share())
	}

	ctx := context.Background()
	if err := b.PutObject(ctx, "u1/a.txt", bytes.NewReader([]byte("hi")), 2); err != nil {
		t.Fatal(err)
	}
	rc, _, err := b.GetObject(ctx, "u1/a.txt", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hi" {
		t.Errorf("read %q", data)
	}

	entries, _ := os.ReadDir(mount)
	for _, e := range entries {
		if e.Name() != "u1" {
			t.Errorf("unexpected entry %s left in mount", e.Name())
		}
	}
}
