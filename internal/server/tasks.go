package server

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/task"
)

// interruptWait bounds how long an interrupt request waits for the task to
// reach its terminal state before answering with the current state.
const interruptWait = 10 * time.Second

type createTaskRequest struct {
	TaskID    string             `json:"task_id"`
	Prompt    string             `json:"prompt"`
	Workspace string             `json:"workspace"`
	Options   taskOptions        `json:"options"`
	Session   sessionSelectorReq `json:"session"`
}

// taskOptions is the recognized set of per-task engine settings.
type taskOptions struct {
	AllowedTools   []string `json:"allowed_tools"`
	PermissionMode string   `json:"permission_mode"`
	MaxTurns       int      `json:"max_turns"`
	Model          string   `json:"model"`
	// Timeout is in seconds.
	Timeout float64 `json:"timeout"`
}

type sessionSelectorReq struct {
	ReuseExisting bool   `json:"reuse_existing"`
	SessionID     string `json:"session_id"`
}

func (req createTaskRequest) toTask() task.Request {
	return task.Request{
		ID:        req.TaskID,
		Prompt:    req.Prompt,
		Workspace: req.Workspace,
		Options: engine.Options{
			AllowedTools:   req.Options.AllowedTools,
			PermissionMode: req.Options.PermissionMode,
			MaxTurns:       req.Options.MaxTurns,
			Model:          req.Options.Model,
		},
		Timeout: time.Duration(req.Options.Timeout * float64(time.Second)),
		Session: task.SessionRequest{
			ReuseExisting: req.Session.ReuseExisting,
			SessionID:     req.Session.SessionID,
		},
	}
}

type createTaskResponse struct {
	TaskID       string    `json:"task_id"`
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	WebSocketURL string    `json:"websocket_url"`
	CreatedAt    time.Time `json:"created_at"`
}

type progressView struct {
	Turns         int   `json:"turns"`
	TokensUsed    int   `json:"tokens_used"`
	TokensInput   int   `json:"tokens_input"`
	TokensOutput  int   `json:"tokens_output"`
	FilesModified int   `json:"files_modified"`
	ElapsedTimeMs int64 `json:"elapsed_time_ms"`
}

type taskView struct {
	TaskID        string       `json:"task_id"`
	SessionID     string       `json:"session_id"`
	Status        string       `json:"status"`
	Progress      progressView `json:"progress"`
	Result        *task.Result `json:"result"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	InterruptedAt *time.Time   `json:"interrupted_at,omitempty"`
}

func newTaskView(t task.Task) taskView {
	v := taskView{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		Status:    string(t.Status),
		Progress: progressView{
			Turns:         t.Stats.Turns,
			TokensUsed:    t.Stats.TokensUsed(),
			TokensInput:   t.Stats.TokensInput,
			TokensOutput:  t.Stats.TokensOutput,
			FilesModified: t.Stats.FilesModified,
			ElapsedTimeMs: t.Stats.ElapsedMs,
		},
		Result:        t.Result,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		InterruptedAt: t.InterruptedAt,
	}
	if v.Result != nil && v.Result.Errors == nil {
		v.Result.Errors = []string{}
	}
	return v
}

type interruptResponse struct {
	TaskID        string     `json:"task_id"`
	Status        string     `json:"status"`
	InterruptedAt *time.Time `json:"interrupted_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body createTaskRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	t, err := s.tasks.Submit(r.Context(), body.toTask())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.requestLogger(r).Info("Task accepted", "taskID", t.ID, "sessionID", t.SessionID)

	// Accepted tasks are reported as running; the executor starts them at once.
	writeJSON(w, http.StatusCreated, createTaskResponse{
		TaskID:       t.ID,
		SessionID:    t.SessionID,
		Status:       string(task.StatusRunning),
		WebSocketURL: s.websocketURL(r, t.ID),
		CreatedAt:    t.CreatedAt,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(t))
}

func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), interruptWait)
	defer cancel()

	t, err := s.tasks.Interrupt(ctx, r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.requestLogger(r).Info("Task interrupt requested", "taskID", t.ID, "status", t.Status)
	writeJSON(w, http.StatusOK, interruptResponse{
		TaskID:        t.ID,
		Status:        string(t.Status),
		InterruptedAt: t.InterruptedAt,
	})
}

// websocketURL returns the stream address of a task. SERVER_PUBLIC_URL wins;
// otherwise the address is derived from the request.
func (s *Server) websocketURL(r *http.Request, taskID string) string {
	path := "/ws/tasks/" + url.PathEscape(taskID)
	if base := s.config.PublicURL; base != "" {
		u, err := url.Parse(base)
		if err == nil {
			switch u.Scheme {
			case "https":
				u.Scheme = "wss"
			case "http":
				u.Scheme = "ws"
			}
			return u.String() + path
		}
	}
	scheme := "ws"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + path
}
