// Package events carries task events from the executor to the single
// WebSocket subscriber of each task through bounded per-task queues.
package events

import (
	"context"
	"errors"
	"time"
)

// Type is the kind of a task event.
type Type string

const (
	TypeMessage    Type = "message"
	TypeToolUse    Type = "tool_use"
	TypeToolResult Type = "tool_result"
	TypeProgress   Type = "progress"
	TypeComplete   Type = "complete"
	TypeError      Type = "error"
)

// Terminal reports whether no event may follow one of this type.
func (t Type) Terminal() bool { return t == TypeComplete }

// critical events are never dropped under backpressure.
func (t Type) critical() bool { return t == TypeComplete || t == TypeError }

var (
	ErrQueueNotFound    = errors.New("events: no queue for task")
	ErrQueueExists      = errors.New("events: queue already open for task")
	ErrQueueClosed      = errors.New("events: queue closed")
	ErrSubscriberExists = errors.New("events: task already has a subscriber")
)

// Event is one unit of task progress.
type Event struct {
	TaskID    string    `json:"task_id"`
	Seq       uint64    `json:"seq"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// MessageData is the payload of a message event.
type MessageData struct {
	MessageType string `json:"message_type"` // assistant, thinking, user, system
	Content     string `json:"content"`
	Model       string `json:"model,omitempty"`
	Subtype     string `json:"subtype,omitempty"`
}

// ToolUseData is the payload of a tool_use event.
type ToolUseData struct {
	ToolID    string         `json:"tool_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

// ToolResultData is the payload of a tool_result event.
type ToolResultData struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// ProgressData is the payload of a progress event. Counters are cumulative.
type ProgressData struct {
	Turns         int   `json:"turns"`
	TokensUsed    int   `json:"tokens_used"`
	TokensInput   int   `json:"tokens_input"`
	TokensOutput  int   `json:"tokens_output"`
	FilesModified int   `json:"files_modified"`
	ElapsedTimeMs int64 `json:"elapsed_time_ms"`
}

// CompleteData is the payload of the terminal complete event.
type CompleteData struct {
	Status       string   `json:"status"`
	ExitCode     int      `json:"exit_code"`
	Summary      string   `json:"summary"`
	Errors       []string `json:"errors"`
	Reason       string   `json:"reason,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
}

// ErrorData is the payload of an error event.
type ErrorData struct {
	Error string `json:"error"`
}

// Bus routes events from producers to one subscriber per task.
type Bus interface {
	// Open creates the queue for a task. It must be called before Publish.
	Open(taskID string) error
	// Publish appends an event, stamping its sequence number and timestamp.
	Publish(ctx context.Context, e Event) error
	Subscribe(taskID string) (Subscription, error)
	// ActiveCount returns the number of tasks whose queue has not yet
	// received its terminal event. It is the count of running tasks.
	ActiveCount() int
	// Close force-closes a task's queue; its subscriber gets ErrQueueClosed.
	Close(taskID string)
	CloseAll()
}

// Subscription is a consumer's handle on one task queue.
type Subscription interface {
	// Next blocks for the next event. After the terminal event it returns
	// io.EOF; on a force-closed queue it returns ErrQueueClosed.
	Next(ctx context.Context) (Event, error)
	Close()
}
