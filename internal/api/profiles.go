package api

import (
	"net/http"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/auth"
	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/validation"
)

// ─── Search profiles ─────────────────────────────────────────────────────────

type saveProfileRequest struct {
	Name  string             `json:"name"`
	Query models.SearchQuery `json:"query"`
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.tree.SearchProfiles(r.Context(), auth.OwnerID(r.Context()))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"profiles": profiles,
	})
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req saveProfileRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := ozzo.ValidateStruct(&req,
		ozzo.Field(&req.Name, ozzo.Required),
	); err != nil {
		s.sendErr(w, r, validation.Wrap(err))
		return
	}

	ownerID := auth.OwnerID(r.Context())
	p, err := s.tree.SaveSearchProfile(r.Context(), ownerID, req.Name, req.Query)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	logging.Info("search profile saved",
		zap.String("owner_id", ownerID),
		zap.String("profile_id", p.ID))
	s.sendJSON(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"id":      p.ID,
		"profile": p,
	})
}

func (s *Server) handleRunProfile(w http.ResponseWriter, r *http.Request) {
	results, err := s.tree.RunSearchProfile(r.Context(), auth.OwnerID(r.Context()), r.PathValue("id"))
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

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	ownerID := auth.OwnerID(r.Context())
	id := r.PathValue("id")
	if err := s.tree.DeleteSearchProfile(r.Context(), ownerID, id); err != nil {
		s.sendErr(w, r, err)
		return
	}
	logging.Info("search profile deleted",
		zap.String("owner_id", ownerID),
		zap.String("profile_id", id))
	s.sendJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
