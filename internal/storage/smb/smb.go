// Package smb stores blobs on an SMB/CIFS share mounted by the OS (mount.cifs
// or fstab). I/O goes through the local backend at the mount point.
package smb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/amitdevx/FileFlow/internal/storage/local"
)

// Config holds SMB backend settings. Share is informational; only
// MountPath is used for I/O.
type Config struct {
	Share     string `json:"share"`      // e.g. //server/share
	MountPath string `json:"mount_path"` // where the share is mounted
}

// Backend is a local backend rooted at a mounted share.
type Backend struct {
	*local.LocalBackend
	share string
}

// New checks that the mount point exists and is writable, then opens it.
// The mount point is never created: an unmounted share would otherwise
// collect blobs on the host's own disk.
func New(cfg Config) (*Backend, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}
	info, err := os.Stat(cfg.MountPath)
	if err != nil {
		return nil, fmt.Errorf("smb mount %s: %w", cfg.MountPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("smb mount %s is not a directory", cfg.MountPath)
	}
	if err := checkWritable(cfg.MountPath); err != nil {
		return nil, fmt.Errorf("smb mount %s is not writable: %w", cfg.MountPath, err)
	}

	// The root exists by now; CreateDirs only covers owner directories.
	lb, err := local.New(local.Config{RootPath: cfg.MountPath, CreateDirs: true})
	if err != nil {
		return nil, fmt.Errorf("smb backend at %s: %w", cfg.MountPath, err)
	}
	return &Backend{LocalBackend: lb, share: cfg.Share}, nil
}

// NewFromJSON creates a Backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".fileflow-write-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

// Share returns the configured share name.
func (b *Backend) Share() string { return b.share }

// Type returns "smb".
func (b *Backend) Type() string { return "smb" }
