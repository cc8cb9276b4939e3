// Package httpserver exposes a minimal status API over the ingestion
// engine's public contracts. It is a pure external collaborator: it calls
// into the broadcaster and the main stream's status accessors but
// implements none of the core logic itself.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hallowgate/atwatch/internal/status"
)

// CursorReader is the narrow view of the main stream the status endpoint
// needs for GET /cursor.
type CursorReader interface {
	GetCursorInfo() CursorInfo
}

// CursorInfo is the main stream's cursor state as seen by the status API.
// Defined here rather than in internal/mainstream so that mainstream can
// depend on httpserver for this one type without a cycle back.
type CursorInfo struct {
	Cursor         *int64
	HasValidCursor bool
	InBackfill     bool
}

// Server is the HTTP server that serves the status/cursor/health API.
type Server struct {
	broadcaster *status.Broadcaster
	cursor      CursorReader
	logger      *slog.Logger
	httpServer  *http.Server
}

// NewServer creates a new HTTP server backed by the given broadcaster and
// cursor reader, listening on port.
func NewServer(port int, broadcaster *status.Broadcaster, cursor CursorReader, logger *slog.Logger) *Server {
	s := &Server{
		broadcaster: broadcaster,
		cursor:      cursor,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /cursor", s.handleCursor)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broadcaster.Snapshot())
}

func (s *Server) handleCursor(w http.ResponseWriter, _ *http.Request) {
	info := s.cursor.GetCursorInfo()
	writeJSON(w, http.StatusOK, map[string]any{
		"cursor":         info.Cursor,
		"hasValidCursor": info.HasValidCursor,
		"inBackfill":     info.InBackfill,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
