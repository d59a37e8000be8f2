package archive

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat   = errors.New("unsupported archive format")
	ErrEmptyInput          = errors.New("no source files given")
	ErrIO                  = errors.New("archive i/o failure")
	ErrPathTraversal       = errors.New("archive member escapes extraction root")
	ErrPasswordUnsupported = errors.New("format does not support passwords")
	ErrPasswordRequired    = errors.New("archive is encrypted and needs a password")
	ErrBadPassword         = errors.New("wrong password or corrupt encrypted entry")
	ErrDuplicateMember     = errors.New("duplicate archive member")
	ErrArchiveTooLarge     = errors.New("archive exceeds extraction limits")
	ErrDestinationNotEmpty = errors.New("extraction destination is not empty")
)

// TraversalError names the first member that failed validation.
type TraversalError struct {
	Member string
	Reason string
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("%s: %q (%s)", ErrPathTraversal, e.Member, e.Reason)
}

func (e *TraversalError) Is(target error) bool {
	return target == ErrPathTraversal
}

func ioErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}
