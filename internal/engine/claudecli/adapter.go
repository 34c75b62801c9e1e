// Package claudecli drives the Claude Code CLI in headless mode
// (`claude -p --output-format stream-json`) as an engine.Adapter.
package claudecli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// Name identifies this adapter in logs and errors.
const Name = "claude-cli"

// Config holds configuration for the CLI adapter.
type Config struct {
	// Path is the claude binary (default: "claude").
	Path string
	// Env holds extra KEY=value pairs for every run (e.g. ANTHROPIC_API_KEY).
	Env []string
	// PTY runs the CLI with stdout attached to a pseudo-terminal.
	PTY bool
	// CancelGrace is how long the CLI gets to exit after SIGINT.
	CancelGrace time.Duration
	// Containers, when set, runs the CLI inside the resolved container.
	Containers    engine.ContainerResolver
	ContainerUser string
}

// Adapter implements engine.Adapter on top of the Claude Code CLI.
type Adapter struct {
	cfg Config
}

// New returns a CLI adapter.
func New(cfg Config) *Adapter {
	if cfg.Path == "" {
		cfg.Path = "claude"
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return Name }

// Submit starts one CLI run for prompt.
func (a *Adapter) Submit(ctx context.Context, prompt string, ws engine.WorkspaceConfig) (engine.Conversation, error) {
	pc := engine.ProcessConfig{
		Command: a.cfg.Path,
		Args:    BuildArgs(prompt, ws),
		Env:     append(slices.Clone(a.cfg.Env), ws.Env...),
		WorkDir: ws.Path,
		PTY:     a.cfg.PTY,
	}
	if a.cfg.Containers != nil {
		id, err := a.cfg.Containers.ContainerID(ctx)
		if err != nil {
			return nil, engine.Fail(Name, engine.MsgStartFailed, fmt.Errorf("resolve container: %w", err), "")
		}
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
		proc:  proc,
		grace: a.cfg.CancelGrace,
		items: make(chan item),
		stop:  make(chan struct{}),
		id:    ws.ResumeConversationID,
	}
	go c.readLoop(&parser{})
	return c, nil
}

// BuildArgs renders the CLI flags for one run.
func BuildArgs(prompt string, ws engine.WorkspaceConfig) []string {
	opts := ws.Options
	args := []string{"-p", prompt, "--output-format", "stream-json", "--verbose"}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if ws.ResumeConversationID != "" {
		args = append(args, "--resume", ws.ResumeConversationID)
	}
	return args
}

type item struct {
	msg engine.Message
	err error
}

type conversation struct {
	proc  *engine.Process
	grace time.Duration
	items chan item
	stop  chan struct{}

	mu       sync.Mutex
	id       string
	canceled bool

	cancelOnce sync.Once
	closeOnce  sync.Once
}

func (c *conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

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

// Cancel interrupts the CLI. The process is stopped in the background so the
// caller is not held for the grace period.
func (c *conversation) Cancel() error {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.canceled = true
		c.mu.Unlock()
		go func() {
			if err := c.proc.Stop(c.grace); err != nil {
				slog.Debug("claude cli stop", "error", err)
			}
		}()
	})
	return nil
}

func (c *conversation) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		err = c.proc.Stop(c.grace)
	})
	return err
}

func (c *conversation) send(it item) bool {
	select {
	case c.items <- it:
		return true
	case <-c.stop:
		return false
	}
}

func (c *conversation) readLoop(p *parser) {
	defer close(c.items)

	sc := bufio.NewScanner(c.proc.Stdout())
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		msgs := p.parse(line)
		if p.sessionID != "" {
			c.mu.Lock()
			c.id = p.sessionID
			c.mu.Unlock()
		}
		for _, m := range msgs {
			if !c.send(item{msg: m}) {
				return
			}
			if m.Kind == engine.KindResult {
				return
			}
		}
	}
	// A pty read fails with EIO when the child exits, so scanner errors are
	// treated like end of output.

	waitErr := c.proc.Wait()
	c.mu.Lock()
	canceled := c.canceled
	c.mu.Unlock()
	if canceled {
		c.send(item{err: engine.ErrCanceled})
		return
	}

	err := errors.New("claude exited without a result")
	if waitErr != nil {
		err = fmt.Errorf("claude exited without a result: %w", waitErr)
	}
	c.send(item{err: engine.Fail(Name, engine.MsgNoResult, err, c.proc.StderrTail())})
}
