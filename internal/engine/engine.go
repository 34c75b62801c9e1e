// Package engine defines the boundary between the server and the external AI
// coding engine. An Adapter starts a conversation for a prompt in a workspace
// and the Conversation yields the engine's messages one at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrCanceled is returned by Conversation.Next after Cancel was called.
var ErrCanceled = errors.New("engine: conversation canceled")

// Permission modes understood by the Claude engines.
const (
	PermissionDefault = "default"
	PermissionAccept  = "acceptEdits"
	PermissionBypass  = "bypassPermissions"
	PermissionPlan    = "plan"
)

var permissionModes = []string{PermissionDefault, PermissionAccept, PermissionBypass, PermissionPlan}

// Options is the typed set of engine settings a task may carry.
type Options struct {
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	PermissionMode string   `json:"permission_mode,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	Model          string   `json:"model,omitempty"`
}

// Validate rejects unknown permission modes and negative turn limits.
func (o Options) Validate() error {
	if o.PermissionMode != "" && !slices.Contains(permissionModes, o.PermissionMode) {
		return fmt.Errorf("unknown permission_mode %q", o.PermissionMode)
	}
	if o.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative")
	}
	for _, t := range o.AllowedTools {
		if t == "" {
			return fmt.Errorf("allowed_tools must not contain empty names")
		}
	}
	return nil
}

// WithDefaults fills unset fields from d.
func (o Options) WithDefaults(d Options) Options {
	if len(o.AllowedTools) == 0 {
		o.AllowedTools = slices.Clone(d.AllowedTools)
	}
	if o.PermissionMode == "" {
		o.PermissionMode = d.PermissionMode
	}
	if o.MaxTurns == 0 {
		o.MaxTurns = d.MaxTurns
	}
	if o.Model == "" {
		o.Model = d.Model
	}
	return o
}

// WorkspaceConfig tells an adapter where and how to run a prompt.
type WorkspaceConfig struct {
	Path    string
	Options Options
	// ResumeConversationID continues a previous engine conversation when set.
	ResumeConversationID string
	// Env holds extra KEY=value pairs for the engine process.
	Env []string
}

// Adapter starts engine conversations.
type Adapter interface {
	Name() string
	// Submit starts working on prompt. The returned Conversation must be
	// closed by the caller.
	Submit(ctx context.Context, prompt string, ws WorkspaceConfig) (Conversation, error)
}

// Conversation is a running engine conversation.
type Conversation interface {
	// ID is the engine's handle for the conversation. It may be empty until
	// the engine reports it.
	ID() string
	// Next blocks for the next message. It returns io.EOF after the result
	// message and ctx.Err() as soon as ctx is done.
	Next(ctx context.Context) (Message, error)
	// Cancel tells the engine to stop working on the conversation.
	Cancel() error
	Close() error
}

// Client-facing texts of engine failures.
const (
	MsgStartFailed  = "engine failed to start"
	MsgPromptFailed = "engine prompt failed"
	MsgStreamFailed = "engine stream failed"
	MsgNoResult     = "engine exited without a result"
)

// ExecutionError wraps a failure surfaced by an engine adapter. Message is
// the only part shown to API clients; Err and Stderr go to server logs.
type ExecutionError struct {
	Engine  string
	Message string
	Err     error
	Stderr  string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s engine: %v", e.Engine, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Wrap returns err as an *ExecutionError for engine name unless it already is one.
func Wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecutionError{Engine: name, Err: err}
}

// Fail returns an *ExecutionError for engine name with the client-facing
// message and the engine's stderr tail.
func Fail(name, message string, err error, stderr string) error {
	return &ExecutionError{Engine: name, Message: message, Err: err, Stderr: stderr}
}

// PublicMessage returns the client-facing text for err, or fallback when err
// carries none.
func PublicMessage(err error, fallback string) string {
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Message != "" {
		return ee.Message
	}
	return fallback
}
