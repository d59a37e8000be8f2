package models

import "errors"

// Sentinel errors shared by the store, the orchestrator and the HTTP layer.
// Package-specific errors wrap one of these so callers can map them with errors.Is.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)
