package storage

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/amitdevx/FileFlow/internal/models"
)

func TestNewBackendFromConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		backend     string
		config      string
		want        string
		wantErr     bool
		wantInvalid bool
	}{
		{"local", `{"root_path":"` + filepath.ToSlash(filepath.Join(dir, "blobs")) + `","create_dirs":true}`, "local", false, false},
		{" Local ", `{"root_path":"` + filepath.ToSlash(filepath.Join(dir, "upper")) + `","create_dirs":true}`, "local", false, false},
		{"smb", `{"share":"//nas/files","mount_path":"` + filepath.ToSlash(dir) + `"}`, "smb", false, false},
		{"smb", `{"mount_path":"` + filepath.ToSlash(filepath.Join(dir, "unmounted")) + `"}`, "", true, false},
		{"local", `{`, "", true, false},
		{"ftp", `{}`, "", true, true},
		{"", `{}`, "", true, true},
	}
	for _, tt := range tests {
		b, err := NewBackendFromConfig(ctx, tt.backend, json.RawMessage(tt.config))
		if tt.wantErr {
			if err == nil {
				t.Errorf("%q %s: expected error", tt.backend, tt.config)
				continue
			}
			if got := errors.Is(err, models.ErrValidation); got != tt.wantInvalid {
				t.Errorf("%q: errors.Is(err, ErrValidation) = %v, want %v (%v)", tt.backend, got, tt.wantInvalid, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tt.backend, err)
			continue
		}
		if b.Type() != tt.want {
			t.Errorf("%q: type %q", tt.backend, b.Type())
		}
		b.Close()
	}
}
