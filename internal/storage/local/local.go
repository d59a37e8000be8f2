// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/pathsafe"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// LocalBackend stores each object as a file under the root directory.
type LocalBackend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}
	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", root)
	case os.IsNotExist(err) && cfg.CreateDirs:
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", root, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", root, err)
	}

	return &LocalBackend{rootPath: root, createDirs: cfg.CreateDirs}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the absolute backend directory.
func (b *LocalBackend) Root() string { return b.rootPath }

// resolve maps a key to a path under the root. Keys follow the same rules
// as archive members, so a key can never name a file outside the root.
func (b *LocalBackend) resolve(key string) (string, error) {
	if err := pathsafe.ValidateMemberPath(b.rootPath, key); err != nil {
		return "", fmt.Errorf("%w: invalid storage key: %v", models.ErrValidation, err)
	}
	return filepath.Join(b.rootPath, filepath.FromSlash(key)), nil
}

func notFound(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	return err
}

// GetObject reads a file with range support. A whole-object read returns
// the *os.File itself, so callers may use it as an io.ReaderAt.
func (b *LocalBackend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	path, err := b.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, notFound(key, err))
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: %w", key, models.ErrNotFound)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	returnSize := info.Size() - offset
	if returnSize < 0 {
		returnSize = 0
	}
	return f, returnSize, nil
}

// PutObject writes content atomically. When size is non-negative, a body
// of a different length is rejected and nothing is stored.
func (b *LocalBackend) PutObject(_ context.Context, key string, body io.Reader, size int64) error {
	path, err := b.resolve(key)
	if err != nil {
		return err
	}
	return b.writeAtomic(key, path, body, size)
}

// CopyObject copies a file on the local filesystem.
func (b *LocalBackend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	srcPath, err := b.resolve(srcKey)
	if err != nil {
		return err
	}
	dstPath, err := b.resolve(dstKey)
	if err != nil {
		return err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src %s: %w", srcKey, notFound(srcKey, err))
	}
	defer src.Close()

	return b.writeAtomic(dstKey, dstPath, src, -1)
}

func (b *LocalBackend) writeAtomic(key, path string, body io.Reader, size int64) error {
	dir := filepath.Dir(path)
	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".fileflow-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, body)
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short write: got %d bytes, want %d", n, size)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a file from the local filesystem.
func (b *LocalBackend) DeleteObject(_ context.Context, key string) error {
	path, err := b.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ObjectExists checks if a file exists on the local filesystem.
func (b *LocalBackend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.resolve(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
