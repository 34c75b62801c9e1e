// Package session owns the pool of execution sessions: their records, the
// concurrent-session ceiling, reuse across tasks and idle cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusTerminated Status = "terminated"
)

// Live reports whether the session counts against the concurrency ceiling.
func (s Status) Live() bool { return s == StatusActive || s == StatusIdle }

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExists     = errors.New("session already exists")
	ErrConcurrencyLimit  = errors.New("concurrent session limit reached")
	ErrSessionBusy       = errors.New("session has running tasks")
	ErrWorkspaceMismatch = errors.New("workspace does not match the session's workspace")
)

// Session is one reusable execution context bound to a workspace.
type Session struct {
	ID             string         `json:"session_id"`
	Workspace      string         `json:"workspace"`
	Options        engine.Options `json:"options"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity"`
	RunningTaskIDs []string       `json:"running_tasks"`
	TaskIDs        []string       `json:"tasks"`
	// ConversationID is the engine conversation the next task resumes.
	ConversationID string `json:"conversation_id,omitempty"`
}

// Busy reports whether any task is running in the session.
func (s Session) Busy() bool { return len(s.RunningTaskIDs) > 0 }

// Clone returns a deep copy.
func (s Session) Clone() Session {
	s.Options.AllowedTools = slices.Clone(s.Options.AllowedTools)
	s.RunningTaskIDs = slices.Clone(s.RunningTaskIDs)
	s.TaskIDs = slices.Clone(s.TaskIDs)
	return s
}

// CorruptError is returned by Store.List together with every session it
// could read. IDs names the records that could not be decoded.
type CorruptError struct {
	IDs []string
	Err error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%d undecodable session records: %v", len(e.IDs), e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Store persists session records. Implementations return copies, never
// shared references.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	Update(ctx context.Context, s Session) error
	Delete(ctx context.Context, id string) error
	// List returns all sessions ordered by creation time. Undecodable
	// records are skipped and reported through a *CorruptError.
	List(ctx context.Context) ([]Session, error)
	Close() error
}

// SortByCreation orders sessions oldest first, as Store.List requires.
func SortByCreation(sessions []Session) {
	slices.SortFunc(sessions, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
