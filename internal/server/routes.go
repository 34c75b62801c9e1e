package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cyberelf/claude-code-server/internal/auth"
	"github.com/cyberelf/claude-code-server/internal/events"
	"github.com/cyberelf/claude-code-server/internal/session"
	"github.com/cyberelf/claude-code-server/internal/task"
)

// retryAfterSeconds is sent with 429 responses for a full session pool.
const retryAfterSeconds = 30

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST /api/v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/interrupt", s.handleInterruptTask)

	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /ws/tasks/{task_id}", s.handleTaskWS)
}

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// writeServiceError maps an error from the session, task or event layers to
// its HTTP status. Unknown errors are logged and reported as a bare 500.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, "validation_error", verr.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, task.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", "task not found")
	case errors.Is(err, task.ErrTaskExists):
		writeError(w, http.StatusConflict, "task_exists", "a task with this id already exists")
	case errors.Is(err, session.ErrSessionBusy):
		writeError(w, http.StatusConflict, "session_busy", "session has running tasks")
	case errors.Is(err, session.ErrWorkspaceMismatch):
		writeError(w, http.StatusConflict, "workspace_mismatch", "workspace does not match the session's workspace")
	case errors.Is(err, events.ErrSubscriberExists):
		writeError(w, http.StatusConflict, "subscriber_exists", "task already has a subscriber")
	case errors.Is(err, session.ErrConcurrencyLimit):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusTooManyRequests, "concurrency_limit", "concurrent session limit reached")
	case errors.Is(err, task.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
	default:
		s.requestLogger(r).Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// requestLogger returns the server logger annotated with the authenticated
// caller, if any.
func (s *Server) requestLogger(r *http.Request) *slog.Logger {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		return s.logger
	}
	return s.logger.With("subject", p.Subject, "authMethod", p.Method)
}

// decodeJSON reads a single JSON object from the request body. Unknown fields
// are rejected so typos in option names surface as 400s.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		slog.Debug("Rejected request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be a valid JSON object: "+err.Error())
		return false
	}
	return true
}
