// Package task runs coding tasks against an engine inside pooled sessions
// and publishes their progress as events.
package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusInterrupted},
	StatusRunning: {StatusCompleted, StatusFailed, StatusInterrupted},
}

// CanTransition reports whether a task may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// Reasons recorded on a terminal task that did not complete.
const (
	ReasonTimeout     = "timeout"
	ReasonEngineError = "engine_error"
	ReasonInterrupted = "interrupted"
	ReasonShutdown    = "shutdown"
)

// Exit codes reported in a task result.
const (
	ExitOK          = 0
	ExitFailed      = 1
	ExitInterrupted = 130
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrTaskTimeout       = errors.New("task timed out")
	ErrTaskInterrupted   = errors.New("task interrupted")
	ErrShuttingDown      = errors.New("executor is shutting down")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// ValidationError describes a malformed task request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Stats are the cumulative counters of a task.
type Stats struct {
	Turns         int     `json:"turns"`
	TokensInput   int     `json:"tokens_input"`
	TokensOutput  int     `json:"tokens_output"`
	FilesModified int     `json:"files_modified"`
	ElapsedMs     int64   `json:"elapsed_time_ms"`
	CostUSD       float64 `json:"-"`
}

// TokensUsed is the sum of input and output tokens.
func (s Stats) TokensUsed() int { return s.TokensInput + s.TokensOutput }

// Result is the outcome of a terminal task.
type Result struct {
	ExitCode int      `json:"exit_code"`
	Summary  string   `json:"summary"`
	Errors   []string `json:"errors"`
	Reason   string   `json:"reason,omitempty"`
	CostUSD  float64  `json:"total_cost_usd,omitempty"`
}

// Task is one prompt executed within a session.
type Task struct {
	ID            string
	SessionID     string
	Prompt        string
	Workspace     string
	Options       engine.Options
	Timeout       time.Duration
	Status        Status
	Stats         Stats
	Result        *Result
	CreatedAt     time.Time
	UpdatedAt     time.Time
	InterruptedAt *time.Time
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	t.Options.AllowedTools = slices.Clone(t.Options.AllowedTools)
	if t.Result != nil {
		r := *t.Result
		r.Errors = slices.Clone(r.Errors)
		t.Result = &r
	}
	if t.InterruptedAt != nil {
		at := *t.InterruptedAt
		t.InterruptedAt = &at
	}
	return t
}

// SessionRequest selects the session a task runs in.
type SessionRequest struct {
	ReuseExisting bool
	SessionID     string
}

// Request is a validated-on-submit task submission.
type Request struct {
	ID        string
	Prompt    string
	Workspace string
	Options   engine.Options
	// Timeout of zero means the executor default.
	Timeout time.Duration
	Session SessionRequest
}

// Validate checks the request shape and that the workspace is an existing
// directory. The workspace may be omitted when an existing session is reused.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return invalid("prompt", "must not be empty")
	}
	if r.Timeout < 0 {
		return invalid("options.timeout", "must not be negative")
	}
	if err := r.Options.Validate(); err != nil {
		return invalid("options", "%v", err)
	}
	reusing := r.Session.ReuseExisting && r.Session.SessionID != ""
	if r.Workspace == "" {
		if reusing {
			return nil
		}
		return invalid("workspace", "must not be empty")
	}
	if !filepath.IsAbs(r.Workspace) {
		return invalid("workspace", "must be an absolute path")
	}
	info, err := os.Stat(r.Workspace)
	if err != nil {
		return invalid("workspace", "does not exist")
	}
	if !info.IsDir() {
		return invalid("workspace", "is not a directory")
	}
	return nil
}
