package server

import (
	"net/http"
	"time"

	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/session"
)

type sessionView struct {
	SessionID    string         `json:"session_id"`
	Workspace    string         `json:"workspace"`
	Status       string         `json:"status"`
	Options      engine.Options `json:"options"`
	Tasks        []string       `json:"tasks"`
	RunningTasks []string       `json:"running_tasks"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
}

func newSessionView(s session.Session) sessionView {
	v := sessionView{
		SessionID:    s.ID,
		Workspace:    s.Workspace,
		Status:       string(s.Status),
		Options:      s.Options,
		Tasks:        s.TaskIDs,
		RunningTasks: s.RunningTaskIDs,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivityAt,
	}
	if v.Tasks == nil {
		v.Tasks = []string{}
	}
	if v.RunningTasks == nil {
		v.RunningTasks = []string{}
	}
	return v
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, newSessionView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.requestLogger(r).Info("Session delete requested", "sessionID", id)
	w.WriteHeader(http.StatusNoContent)
}
