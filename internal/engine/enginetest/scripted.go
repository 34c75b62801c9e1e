// Package enginetest provides a deterministic, in-process engine.Adapter for
// tests of everything that sits on top of an engine.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// Step is one scripted engine output.
type Step struct {
	// Delay is waited before the step is produced.
	Delay time.Duration
	Msg   engine.Message
	// Err, when set, is returned by Next instead of Msg.
	Err error
}

// Script describes how a conversation behaves.
type Script struct {
	Steps []Step
	// SubmitErr makes Submit fail.
	SubmitErr error
	// Hang makes the conversation block after the last step until it is
	// canceled or the caller's context ends.
	Hang bool
}

// Submission records one call to Submit.
type Submission struct {
	Prompt    string
	Workspace engine.WorkspaceConfig
}

// Adapter is a scripted engine.Adapter.
type Adapter struct {
	// ScriptFor picks the script for a prompt. When nil, Default is used.
	ScriptFor func(prompt string) Script
	Default   Script

	mu          sync.Mutex
	submissions []Submission
	convs       []*Conversation
	seq         atomic.Int64
}

// New returns an adapter that plays script for every prompt.
func New(script Script) *Adapter {
	return &Adapter{Default: script}
}

func (a *Adapter) Name() string { return "scripted" }

func (a *Adapter) Submit(ctx context.Context, prompt string, ws engine.WorkspaceConfig) (engine.Conversation, error) {
	script := a.Default
	if a.ScriptFor != nil {
		script = a.ScriptFor(prompt)
	}

	a.mu.Lock()
	a.submissions = append(a.submissions, Submission{Prompt: prompt, Workspace: ws})
	a.mu.Unlock()

	if script.SubmitErr != nil {
		return nil, engine.Wrap(a.Name(), script.SubmitErr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := ws.ResumeConversationID
	if id == "" {
		id = fmt.Sprintf("conv-%d", a.seq.Add(1))
	}
	c := &Conversation{id: id, script: script, canceled: make(chan struct{})}

	a.mu.Lock()
	a.convs = append(a.convs, c)
	a.mu.Unlock()
	return c, nil
}

// Submissions returns a copy of every Submit call so far.
func (a *Adapter) Submissions() []Submission {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Submission(nil), a.submissions...)
}

// Conversations returns every conversation started so far.
func (a *Adapter) Conversations() []*Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Conversation(nil), a.convs...)
}

// Conversation plays back a Script.
type Conversation struct {
	id     string
	script Script

	mu   sync.Mutex
	next int

	canceled   chan struct{}
	cancelOnce sync.Once
	cancels    atomic.Int32
	closed     atomic.Bool
}

func (c *Conversation) ID() string { return c.id }

func (c *Conversation) Next(ctx context.Context) (engine.Message, error) {
	c.mu.Lock()
	i := c.next
	c.next++
	c.mu.Unlock()

	if i >= len(c.script.Steps) {
		if !c.script.Hang {
			return engine.Message{}, io.EOF
		}
		select {
		case <-ctx.Done():
			return engine.Message{}, ctx.Err()
		case <-c.canceled:
			return engine.Message{}, engine.ErrCanceled
		}
	}

	step := c.script.Steps[i]
	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return engine.Message{}, ctx.Err()
		case <-c.canceled:
			return engine.Message{}, engine.ErrCanceled
		case <-timer.C:
		}
	}
	select {
	case <-c.canceled:
		return engine.Message{}, engine.ErrCanceled
	default:
	}
	if step.Err != nil {
		return engine.Message{}, step.Err
	}
	return step.Msg, nil
}

func (c *Conversation) Cancel() error {
	c.cancels.Add(1)
	c.cancelOnce.Do(func() { close(c.canceled) })
	return nil
}

func (c *Conversation) Close() error {
	c.closed.Store(true)
	return nil
}

// Canceled reports whether Cancel was called.
func (c *Conversation) Canceled() bool { return c.cancels.Load() > 0 }

// Closed reports whether Close was called.
func (c *Conversation) Closed() bool { return c.closed.Load() }

// HelloWorld is the script for "create hello.py": a short reply, one Write
// tool round trip, usage and a successful result.
func HelloWorld() Script {
	return Script{Steps: []Step{
		{Msg: engine.Text("I'll create hello.py")},
		{Msg: engine.ToolUse("toolu_1", "Write", map[string]any{
			"file_path": "hello.py",
			"content":   "print('hello')\n",
		})},
		{Msg: engine.ToolResult("toolu_1", "File created successfully at: hello.py", false)},
		{Msg: engine.UsageMessage(120, 40)},
		{Msg: engine.Success("Created hello.py", 1)},
	}}
}

// Slow returns a script that emits one message and then hangs, for timeout
// and interrupt tests.
func Slow() Script {
	return Script{
		Steps: []Step{{Msg: engine.Text("thinking about it")}},
		Hang:  true,
	}
}
