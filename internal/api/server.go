// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amitdevx/FileFlow/internal/auth"
	"github.com/amitdevx/FileFlow/internal/compression"
	"github.com/amitdevx/FileFlow/internal/events"
	"github.com/amitdevx/FileFlow/internal/logging"
	"github.com/amitdevx/FileFlow/internal/metrics"
	"github.com/amitdevx/FileFlow/internal/models"
	"github.com/amitdevx/FileFlow/internal/quota"
	"github.com/amitdevx/FileFlow/internal/tree"
)

const (
	// maxJSONBody bounds request bodies other than uploads.
	maxJSONBody = 1 << 20

	// multipartMemory is the part of an upload kept in memory before
	// spilling to disk.
	multipartMemory = 32 << 20
)

// Options tune the server beyond its collaborators.
type Options struct {
	// RequestsPerMinute limits each owner; 0 disables the limit.
	RequestsPerMinute int
	// Limiter is shared with the caller so it can run Cleanup. A nil
	// limiter gets a private one.
	Limiter *quota.RateLimiter
}

// Server is the HTTP server.
type Server struct {
	tree     *tree.Store
	archives *compression.Service
	auth     *auth.Auth

	// SSE and websocket fan-out
	broadcaster *events.Broadcaster
	upgrader    websocket.Upgrader

	limiter *quota.RateLimiter
	rpm     int
}

// NewServer creates a new server.
func NewServer(store *tree.Store, archives *compression.Service, a *auth.Auth, broadcaster *events.Broadcaster, opts Options) *Server {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = quota.NewRateLimiter()
	}
	return &Server{
		tree:        store,
		archives:    archives,
		auth:        a,
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tokens travel in the query string, so cross-origin clients
			// still have to authenticate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter: limiter,
		rpm:     opts.RequestsPerMinute,
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	protectedMux := http.NewServeMux()

	// Files
	protectedMux.HandleFunc("POST /api/v1/files", s.handleUpload)
	protectedMux.HandleFunc("GET /api/v1/files/{id}", s.handleGetNode)
	protectedMux.HandleFunc("GET /api/v1/files/{id}/content", s.handleContent)
	protectedMux.HandleFunc("GET /api/v1/files/{id}/breadcrumbs", s.handleBreadcrumbs)
	protectedMux.HandleFunc("DELETE /api/v1/files/{id}", s.handleDelete)
	protectedMux.HandleFunc("POST /api/v1/files/{id}/rename", s.handleRename)
	protectedMux.HandleFunc("POST /api/v1/files/{id}/move", s.handleMove)
	protectedMux.HandleFunc("POST /api/v1/files/{id}/copy", s.handleCopy)
	protectedMux.HandleFunc("POST /api/v1/files/{id}/favorite", s.handleFavorite)
	protectedMux.HandleFunc("PUT /api/v1/files/{id}/tags", s.handleTags)

	// Tree
	protectedMux.HandleFunc("GET /api/v1/nodes", s.handleListNodes)
	protectedMux.HandleFunc("POST /api/v1/folders", s.handleCreateFolder)
	protectedMux.HandleFunc("POST /api/v1/search", s.handleSearch)

	// Search profiles
	protectedMux.HandleFunc("GET /api/v1/search/profiles", s.handleListProfiles)
	protectedMux.HandleFunc("POST /api/v1/search/profiles", s.handleSaveProfile)
	protectedMux.HandleFunc("GET /api/v1/search/profiles/{id}/results", s.handleRunProfile)
	protectedMux.HandleFunc("DELETE /api/v1/search/profiles/{id}", s.handleDeleteProfile)

	// Archives
	protectedMux.HandleFunc("POST /api/v1/compress/create", s.handleCompressCreate)
	protectedMux.HandleFunc("POST /api/v1/compress/extract/{id}", s.handleCompressExtract)
	protectedMux.HandleFunc("GET /api/v1/compress/list/{id}", s.handleCompressList)

	// Events
	protectedMux.HandleFunc("GET /api/v1/events", s.handleEvents)
	protectedMux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	rateLimited := quota.RateLimitMiddleware(s.limiter, s.rpm, auth.OwnerID)(protectedMux)
	mux.Handle("/api/v1/", s.auth.Middleware(rateLimited))

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// publish tells the owner's subscribers that n changed.
func (s *Server) publish(eventType string, n *models.Node) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(events.NodeEvent(eventType, n))
}

// decodeJSON reads a bounded JSON body into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func (s *Server) decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.sendError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}
