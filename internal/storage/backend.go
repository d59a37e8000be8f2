// Package storage defines the Backend interface for blob storage and the
// factory that builds one from configuration.
package storage

import (
	"context"
	"io"
)

// Backend stores file content by key. Keys are slash-separated and owner
// prefixed ("<owner>/<name>"); node metadata lives in the metadata
// repository.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned. A missing
	// key yields an error matching models.ErrNotFound.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key, replacing any object
	// already there.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing key is not
	// an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local" or "smb").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
