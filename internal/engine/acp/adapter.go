// Package acp drives an Agent Client Protocol agent (claude-code-acp by
// default) as an engine.Adapter. Each task spawns one agent process, opens or
// resumes an ACP session in the workspace and sends the task prompt.
package acp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// Name identifies this adapter in logs and errors.
const Name = "acp"

// Config holds configuration for the ACP adapter.
type Config struct {
	// Command is the ACP agent binary (default: "claude-code-acp").
	Command string
	Args    []string
	// Env holds extra KEY=value pairs (e.g. ANTHROPIC_API_KEY).
	Env []string
	// InitTimeout bounds the initialize/session handshake.
	InitTimeout time.Duration
	// CancelGrace is how long a cancelled prompt may take to wind down
	// before the agent process is stopped.
	CancelGrace time.Duration
	// FileMaxSize caps fs/read_text_file and fs/write_text_file payloads.
	FileMaxSize int

	Containers    engine.ContainerResolver
	ContainerUser string
}

// Adapter implements engine.Adapter for ACP agents.
type Adapter struct {
	cfg Config
}

// New returns an ACP adapter.
func New(cfg Config) *Adapter {
	if cfg.Command == "" {
		cfg.Command = "claude-code-acp"
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	if cfg.FileMaxSize <= 0 {
		cfg.FileMaxSize = 1 << 20
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return Name }

// Submit starts the agent, performs the handshake and sends prompt.
func (a *Adapter) Submit(ctx context.Context, prompt string, ws engine.WorkspaceConfig) (engine.Conversation, error) {
	pc := engine.ProcessConfig{
		Command: a.cfg.Command,
		Args:    a.cfg.Args,
		Env:     append(slices.Clone(a.cfg.Env), ws.Env...),
		WorkDir: ws.Path,
		Stdin:   true,
	}
	var containerID string
	if a.cfg.Containers != nil {
		id, err := a.cfg.Containers.ContainerID(ctx)
		if err != nil {
			return nil, engine.Fail(Name, engine.MsgStartFailed, fmt.Errorf("resolve container: %w", err), "")
		}
		containerID = id
		pc.ContainerID = id
		pc.ContainerUser = a.cfg.ContainerUser
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	proc, err := engine.StartProcess(ctx, pc)
	if err != nil {
		return nil, engine.Fail(Name, engine.MsgStartFailed, err, "")
	}

	c := &conversation{
		proc:       proc,
		grace:      a.cfg.CancelGrace,
		items:      make(chan item),
		stop:       make(chan struct{}),
		translator: newTranslator(),
	}
	client := &client{
		conv:          c,
		workspace:     ws.Path,
		mode:          ws.Options.PermissionMode,
		containerID:   containerID,
		containerUser: a.cfg.ContainerUser,
		maxSize:       a.cfg.FileMaxSize,
	}
	conn := acpsdk.NewClientSideConnection(client, proc.Stdin(), proc.Stdout())

	sessionID, err := a.openSession(ctx, conn, ws)
	if err != nil {
		_ = proc.Stop(a.cfg.CancelGrace)
		return nil, engine.Fail(Name, engine.MsgStartFailed, err, proc.StderrTail())
	}
	c.id = string(sessionID)

	promptCtx, cancel := context.WithCancel(context.Background())
	c.cancelPrompt = cancel
	c.setLive()
	go c.run(promptCtx, conn, sessionID, prompt)
	return c, nil
}

func (a *Adapter) openSession(ctx context.Context, conn *acpsdk.ClientSideConnection, ws engine.WorkspaceConfig) (acpsdk.SessionId, error) {
	initCtx, cancel := context.WithTimeout(ctx, a.cfg.InitTimeout)
	defer cancel()

	initResp, err := conn.Initialize(initCtx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
		},
	})
	if err != nil {
		return "", fmt.Errorf("initialize: %w", err)
	}

	var sessionID acpsdk.SessionId
	if ws.ResumeConversationID != "" && initResp.AgentCapabilities.LoadSession {
		_, err := conn.LoadSession(initCtx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(ws.ResumeConversationID),
			Cwd:        ws.Path,
			McpServers: []acpsdk.McpServer{},
		})
		if err == nil {
			sessionID = acpsdk.SessionId(ws.ResumeConversationID)
		} else {
			slog.Warn("ACP LoadSession failed, starting a new session",
				"conversationID", ws.ResumeConversationID, "error", err)
		}
	}
	if sessionID == "" {
		resp, err := conn.NewSession(initCtx, acpsdk.NewSessionRequest{
			Cwd:        ws.Path,
			McpServers: []acpsdk.McpServer{},
		})
		if err != nil {
			return "", fmt.Errorf("new session: %w", err)
		}
		sessionID = resp.SessionId
	}

	if mode := ws.Options.PermissionMode; mode != "" {
		if _, err := conn.SetSessionMode(initCtx, acpsdk.SetSessionModeRequest{
			SessionId: sessionID,
			ModeId:    acpsdk.SessionModeId(mode),
		}); err != nil {
			slog.Warn("ACP SetSessionMode failed", "mode", mode, "error", err)
		}
	}
	if model := ws.Options.Model; model != "" {
		if _, err := conn.SetSessionModel(initCtx, acpsdk.SetSessionModelRequest{
			SessionId: sessionID,
			ModelId:   acpsdk.ModelId(model),
		}); err != nil {
			slog.Warn("ACP SetSessionModel failed", "model", model, "error", err)
		}
	}
	return sessionID, nil
}

type item struct {
	msg engine.Message
	err error
}

type conversation struct {
	id           string
	proc         *engine.Process
	grace        time.Duration
	items        chan item
	stop         chan struct{}
	cancelPrompt context.CancelFunc
	translator   *translator

	mu       sync.Mutex
	live     bool
	canceled bool

	cancelOnce sync.Once
	closeOnce  sync.Once
}

func (c *conversation) ID() string { return c.id }

func (c *conversation) Next(ctx context.Context) (engine.Message, error) {
	select {
	case <-ctx.Done():
		return engine.Message{}, ctx.Err()
	case it, ok := <-c.items:
		if !ok {
			return engine.Message{}, io.EOF
		}
		return it.msg, it.err
	}
}

// Cancel cancels the in-flight prompt and stops the agent process if it has
// not wound down after the grace period.
func (c *conversation) Cancel() error {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.canceled = true
		c.mu.Unlock()
		c.cancelPrompt()
		go func() {
			timer := time.NewTimer(c.grace)
			defer timer.Stop()
			select {
			case <-c.stop:
			case <-c.proc.Done():
			case <-timer.C:
				slog.Warn("ACP agent did not stop after cancel, force-stopping")
			}
			_ = c.proc.Stop(c.grace)
		}()
	})
	return nil
}

func (c *conversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.cancelPrompt != nil {
			c.cancelPrompt()
		}
		err = c.proc.Stop(c.grace)
	})
	return err
}

func (c *conversation) setLive() {
	c.mu.Lock()
	c.live = true
	c.mu.Unlock()
}

func (c *conversation) isCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

// isLive reports whether the prompt has been sent. Notifications before that
// point are history replayed by LoadSession.
func (c *conversation) isLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *conversation) deliver(msgs []engine.Message) {
	for _, m := range msgs {
		if !c.send(item{msg: m}) {
			return
		}
	}
}

func (c *conversation) send(it item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.stop:
		return false
	}
}

func (c *conversation) run(ctx context.Context, conn *acpsdk.ClientSideConnection, sessionID acpsdk.SessionId, prompt string) {
	defer close(c.items)

	resp, err := conn.Prompt(ctx, acpsdk.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(prompt)},
	})
	if c.isCanceled() || errors.Is(err, context.Canceled) {
		c.send(item{err: engine.ErrCanceled})
		return
	}
	if err != nil {
		c.send(item{err: engine.Fail(Name, engine.MsgPromptFailed, fmt.Errorf("prompt: %w", err), c.proc.StderrTail())})
		return
	}

	stop := string(resp.StopReason)
	if stop == "cancelled" {
		c.send(item{err: engine.ErrCanceled})
		return
	}
	c.send(item{msg: c.translator.result(stop)})
}

func stopReasonError(stop string) string {
	switch stop {
	case "end_turn", "":
		return ""
	case "max_tokens":
		return "agent hit the token limit"
	case "max_turn_requests":
		return "agent hit the turn limit"
	case "refusal":
		return "agent refused the request"
	default:
		return "agent stopped: " + strings.ReplaceAll(stop, "_", " ")
	}
}
