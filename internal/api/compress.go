package api

import (
	"net/http"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/amitdevx/FileFlow/internal/archive"
	"github.com/amitdevx/FileFlow/internal/auth"
	"github.com/amitdevx/FileFlow/internal/validation"
)

// defaultArchiveFormat applies when a create request names no format.
const defaultArchiveFormat = "zip"

type compressCreateRequest struct {
	FileIDs     []string `json:"file_ids"`
	ArchiveName string   `json:"archive_name"`
	Format      string   `json:"format"`
	Password    string   `json:"password"`
	ParentID    *string  `json:"parent_id"`
}

func (s *Server) handleCompressCreate(w http.ResponseWriter, r *http.Request) {
	var req compressCreateRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := ozzo.ValidateStruct(&req,
		ozzo.Field(&req.FileIDs, ozzo.Required, ozzo.Each(ozzo.Required)),
		ozzo.Field(&req.ArchiveName, validation.Filename),
	); err != nil {
		s.sendErr(w, r, validation.Wrap(err))
		return
	}
	if req.Format == "" {
		req.Format = defaultArchiveFormat
	}
	format, err := archive.ParseFormat(req.Format)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	n, err := s.archives.CreateArchiveForUser(r.Context(), auth.OwnerID(r.Context()),
		req.FileIDs, req.ArchiveName, format, req.Password, req.ParentID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"file_id": n.ID,
		"node":    n,
	})
}

type compressExtractRequest struct {
	Password string `json:"password"`
}

func (s *Server) handleCompressExtract(w http.ResponseWriter, r *http.Request) {
	var req compressExtractRequest
	if !s.decodeOptionalJSON(w, r, &req) {
		return
	}

	folder, err := s.archives.ExtractArchiveForUser(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"), req.Password)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"folder_id": folder.ID,
		"node":      folder,
	})
}

func (s *Server) handleCompressList(w http.ResponseWriter, r *http.Request) {
	names, err := s.archives.ListArchiveForUser(r.Context(), auth.OwnerID(r.Context()),
		r.PathValue("id"), r.URL.Query().Get("password"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"contents": names,
	})
}
