package postgres

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/amitdevx/FileFlow/internal/metadata"
	"github.com/amitdevx/FileFlow/internal/metadata/metadatatest"
)

func migrationsDir(t *testing.T) string {
	_, file, _, _ := runtime.Caller(0)
	dir := filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("migrations not found at %s", dir)
	}
	return dir
}

func TestRepository(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	store, err := New(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(migrationsDir(t)); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	metadatatest.Run(t, func(t *testing.T) metadata.Repository { return store })
}

func TestLikeEscaper(t *testing.T) {
	tests := map[string]string{
		"plain":  "plain",
		"50%":    `50\%`,
		"a_b":    `a\_b`,
		`back\s`: `back\\s`,
	}
	for in, want := range tests {
		if got := likeEscaper.Replace(in); got != want {
			t.Errorf("escape(%q) = %q, want %q", in, got, want)
		}
	}
}
