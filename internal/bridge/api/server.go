// Package api exposes the management HTTP surface of the bridge.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/applova/voiceplate/internal/bridge/session"
)

// SessionProvider provides live session data for the API.
// Implemented by session.Registry.
type SessionProvider interface {
	Count() int
	Snapshot() []session.Status
}

// Server serves health and status endpoints.
type Server struct {
	sessions  SessionProvider
	startTime time.Time
}

func NewServer(sessions SessionProvider) *Server {
	return &Server{
		sessions:  sessions,
		startTime: time.Now(),
	}
}

// Routes mounts the management endpoints on a chi router.
func (s *Server) Routes(r chi.Router) {
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.sessions.Snapshot()
	s.writeJSON(w, map[string]any{
		"uptime":         int64(time.Since(s.startTime).Seconds()),
		"activeSessions": s.sessions.Count(),
		"sessions":       snapshot,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
