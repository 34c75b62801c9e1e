package server

import (
	"net/http"
	"time"

	"github.com/cyberelf/claude-code-server/internal/idle"
)

type healthResponse struct {
	Status         string       `json:"status"`
	Version        string       `json:"version"`
	ActiveSessions int          `json:"active_sessions"`
	ActiveTasks    int          `json:"active_tasks"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
	Cleanup        *idle.Status `json:"cleanup,omitempty"`
}

// handleHealth reports liveness. A failing session store degrades the
// status but still answers 200 so the process is not restarted for it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       s.version,
		ActiveTasks:   s.bus.ActiveCount(),
		UptimeSeconds: int64(time.Since(s.startedAt) / time.Second),
	}
	n, err := s.sessions.Count(r.Context())
	if err != nil {
		s.logger.Warn("Health check could not count sessions", "error", err)
		resp.Status = "degraded"
	}
	resp.ActiveSessions = n
	if s.scheduler != nil {
		st := s.scheduler.Status()
		resp.Cleanup = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReady answers 503 while the session pool is full.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	n, err := s.sessions.Count(r.Context())
	if err != nil {
		s.logger.Warn("Readiness check could not count sessions", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "session store unavailable")
		return
	}
	if n >= s.sessions.MaxConcurrent() {
		writeError(w, http.StatusServiceUnavailable, "at_capacity", "concurrent session limit reached")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
