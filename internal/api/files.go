package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/auth"
	"github.com/amitdevx/FileFlow/internal/events"
	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/validation"
)

// Package-level compiled regex for Range header parsing.
var rangeRegex = regexp.MustCompile(`^bytes=(\d*)-(\d*)$`)

// optionalID turns an empty form or query value into a root reference.
func optionalID(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// ─── Upload & download ───────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r.Context())

	// Multipart framing needs a little room beyond the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.tree.Validator().MaxFileSize()+multipartMemory)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusBadRequest, "upload exceeds the size limit")
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	n, err := s.tree.Upload(r.Context(), ownerID, header.Filename, optionalID(r.FormValue("parent_id")), file, header.Size)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	logging.Info("file uploaded",
		zap.String("owner_id", ownerID),
		zap.String("node_id", n.ID),
		zap.String("key", n.Filepath),
		zap.Int64("size", n.SizeBytes))
	s.publish(events.EventCreate, n)
	s.sendJSON(w, http.StatusCreated, n)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	n, err := s.tree.Lookup(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if n.IsFolder {
		s.sendError(w, http.StatusBadRequest, "cannot download a folder")
		return
	}

	totalSize := n.SizeBytes
	offset, length, hasRange, ok := parseRangeHeader(r.Header.Get("Range"), totalSize)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
		s.sendError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		return
	}

	reader, _, err := s.tree.Blobs().GetObject(r.Context(), n.Filepath, offset, length)
	if err != nil {
		metrics.RecordContentDownload(0, false)
		s.sendErr(w, r, fmt.Errorf("read %s: %w", n.ID, err))
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", n.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": n.Filename}))
	w.Header().Set("Accept-Ranges", "bytes")
	if n.ContentHash != nil {
		w.Header().Set("ETag", `"`+*n.ContentHash+`"`)
	}

	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, totalSize))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(totalSize, 10))
		w.WriteHeader(http.StatusOK)
	}

	written, err := io.Copy(w, reader)
	if err != nil {
		logging.Warn("content transfer error", zap.String("node_id", n.ID), zap.Error(err))
	}
	metrics.RecordContentDownload(written, err == nil)
}

// parseRangeHeader handles a single "bytes=a-b" range. ok is false when the
// range cannot be satisfied; a header it does not understand is ignored.
func parseRangeHeader(rangeHeader string, totalSize int64) (offset, length int64, hasRange, ok bool) {
	if rangeHeader == "" {
		return 0, 0, false, true
	}
	matches := rangeRegex.FindStringSubmatch(rangeHeader)
	if matches == nil || (matches[1] == "" && matches[2] == "") {
		return 0, 0, false, true
	}
	if totalSize == 0 {
		return 0, 0, false, false
	}

	startStr, endStr := matches[1], matches[2]
	if startStr == "" {
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || suffix == 0 {
			return 0, 0, false, false
		}
		if suffix > totalSize {
			suffix = totalSize
		}
		return totalSize - suffix, suffix, true, true
	}

	offset, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || offset >= totalSize {
		return 0, 0, false, false
	}
	end := totalSize - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < offset {
			return 0, 0, false, false
		}
		if end >= totalSize {
			end = totalSize - 1
		}
	}
	return offset, end - offset + 1, true, true
}

// ─── Node reads ──────────────────────────────────────────────────────────────

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.tree.Lookup(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, n)
}

func (s *Server) handleBreadcrumbs(w http.ResponseWriter, r *http.Request) {
	crumbs, err := s.tree.Breadcrumbs(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"breadcrumbs": crumbs,
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	parentID := optionalID(r.URL.Query().Get("parent_id"))
	nodes, err := s.tree.ListChildren(r.Context(), auth.OwnerID(r.Context()), parentID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if nodes == nil {
		nodes = []*models.Node{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"nodes":   nodes,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q models.SearchQuery
	if !s.decodeJSON(w, r, &q) {
		return
	}
	results, err := s.tree.Search(r.Context(), auth.OwnerID(r.Context()), q)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if results == nil {
		results = []*models.Node{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"results": results,
	})
}

// ─── Mutations ───────────────────────────────────────────────────────────────

type createFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := ozzo.ValidateStruct(&req,
		ozzo.Field(&req.Name, ozzo.Required, validation.Filename),
	); err != nil {
		s.sendErr(w, r, validation.Wrap(err))
		return
	}

	n, err := s.tree.CreateFolder(r.Context(), auth.OwnerID(r.Context()), req.Name, req.ParentID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.publish(events.EventCreate, n)
	s.sendJSON(w, http.StatusCreated, n)
}

type renameRequest struct {
	NewName string `json:"new_name"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := ozzo.ValidateStruct(&req,
		ozzo.Field(&req.NewName, ozzo.Required, validation.Filename),
	); err != nil {
		s.sendErr(w, r, validation.Wrap(err))
		return
	}

	n, err := s.tree.Rename(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req.NewName)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.publish(events.EventModify, n)
	s.sendJSON(w, http.StatusOK, n)
}

type moveRequest struct {
	DestinationID *string `json:"destination_id"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n, err := s.tree.Move(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req.DestinationID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.publish(events.EventModify, n)
	s.sendJSON(w, http.StatusOK, n)
}

// handleCopy duplicates a file. Without destination_id the copy lands next
// to the source.
func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decodeOptionalJSON(w, r, &req) {
		return
	}
	n, err := s.tree.Copy(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req.DestinationID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.publish(events.EventCreate, n)
	s.sendJSON(w, http.StatusCreated, n)
}

type favoriteRequest struct {
	Favorite bool `json:"favorite"`
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request) {
	var req favoriteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n, err := s.tree.SetFavorite(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req.Favorite)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.publish(events.EventModify, n)
	s.sendJSON(w, http.StatusOK, n)
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	var req tagsRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := ozzo.ValidateStruct(&req,
		ozzo.Field(&req.Tags, ozzo.Each(ozzo.Length(0, 64))),
	); err != nil {
		s.sendErr(w, r, validation.Wrap(err))
		return
	}

	n, err := s.tree.SetTags(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req.Tags)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.publish(events.EventModify, n)
	s.sendJSON(w, http.StatusOK, n)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r.Context())
	n, err := s.tree.Lookup(r.Context(), ownerID, r.PathValue("id"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	report, err := s.tree.DeleteRecursive(r.Context(), ownerID, n.ID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	logging.Info("node deleted",
		zap.String("owner_id", ownerID),
		zap.String("node_id", n.ID),
		zap.Int64("rows", report.RowsDeleted),
		zap.Int("storage_failures", len(report.Failures)))
	s.publish(events.EventDelete, n)
	s.sendJSON(w, http.StatusOK, report)
}
