package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/archive"
	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/models"
)

// clientArchiveErrors are codec failures caused by the request or the
// archive the caller supplied.
var clientArchiveErrors = []error{
	archive.ErrUnsupportedFormat,
	archive.ErrEmptyInput,
	archive.ErrPathTraversal,
	archive.ErrPasswordUnsupported,
	archive.ErrPasswordRequired,
	archive.ErrBadPassword,
	archive.ErrDuplicateMember,
	archive.ErrArchiveTooLarge,
}

// statusFor maps an error from the tree or archive layers to an HTTP status.
func statusFor(err error) int {
	for _, target := range clientArchiveErrors {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendErr writes err with its mapped status. Server faults are logged and
// their detail withheld from the client.
func (s *Server) sendErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.sendError(w, code, "internal server error")
		return
	}
	s.sendError(w, code, err.Error())
}
