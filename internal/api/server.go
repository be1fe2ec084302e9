// Package api implements the HTTP API: conversation CRUD, streaming
// generation over SSE, a polling fallback, and a WebSocket event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/strandhq/strand/internal/buildinfo"
	"github.com/strandhq/strand/internal/events"
	"github.com/strandhq/strand/internal/store"
	"github.com/strandhq/strand/internal/stream"
	"github.com/strandhq/strand/internal/thread"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	listen  string
	store   *store.Store
	manager *stream.Manager
	rebaser *thread.Rebaser
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. bus may be nil, which disables
// the WebSocket event feed.
func NewServer(listen string, st *store.Store, mgr *stream.Manager, rb *thread.Rebaser, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:  listen,
		store:   st,
		manager: mgr,
		rebaser: rb,
		bus:     bus,
		logger:  logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversation CRUD
	mux.HandleFunc("POST /v1/conversations", s.handleConversationCreate)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleConversationDelete)
	mux.HandleFunc("POST /v1/conversations/{id}/title", s.handleConversationTitle)
	mux.HandleFunc("POST /v1/conversations/{id}/agent", s.handleConversationAgent)
	mux.HandleFunc("POST /v1/conversations/{id}/fork", s.handleConversationFork)

	// Generation
	mux.HandleFunc("POST /v1/conversations/{id}/messages", s.handleSend)
	mux.HandleFunc("POST /v1/conversations/{id}/regenerate", s.handleRegenerate)
	mux.HandleFunc("POST /v1/conversations/{id}/stop", s.handleStop)

	// Message mutation and polling fallback
	mux.HandleFunc("PATCH /v1/messages/{id}", s.handleMessageEdit)
	mux.HandleFunc("DELETE /v1/messages/{id}", s.handleMessageDelete)
	mux.HandleFunc("GET /v1/messages/{id}/status", s.handleMessageStatus)

	// Operational event feed
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.listen,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE generation responses are open-ended.
		// Write deadlines are managed per-connection while streaming.
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "strand",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// storeError maps store-layer failures to HTTP responses.
func (s *Server) storeError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error(op+" failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, op+" failed")
	}
}
