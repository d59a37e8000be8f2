package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/storage/local"
	s3backend "github.com/amitdevx/FileFlow/internal/storage/s3"
	"github.com/amitdevx/FileFlow/internal/storage/smb"
)

// Backends lists the accepted backend type names.
var Backends = []string{"local", "s3", "smb"}

// NewBackendFromConfig opens the blob backend named by backendType. The name
// is case-insensitive. An unsupported name is a models.ErrValidation so a bad
// STORAGE_BACKEND is reported as a configuration mistake.
func NewBackendFromConfig(ctx context.Context, backendType string, config json.RawMessage) (Backend, error) {
	t := strings.ToLower(strings.TrimSpace(backendType))
	var (
		b   Backend
		err error
	)
	switch t {
	case "s3":
		b, err = s3backend.NewBackendFromJSON(ctx, config)
	case "local":
		b, err = local.NewFromJSON(config)
	case "smb":
		b, err = smb.NewFromJSON(config)
	default:
		return nil, fmt.Errorf("%w: unsupported storage backend %q (want one of %s)",
			models.ErrValidation, backendType, strings.Join(Backends, ", "))
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", t, err)
	}
	return b, nil
}
