package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ProcessConfig holds configuration for spawning an engine process.
type ProcessConfig struct {
	// Command is the binary to run (e.g. "claude" or "claude-code-acp").
	Command string
	Args    []string
	// Env holds extra KEY=value pairs. Locally they are appended to the
	// server's environment; in a container they are passed with -e.
	Env []string
	// WorkDir is the working directory of the process.
	WorkDir string

	// ContainerID runs the command through docker exec when set.
	ContainerID   string
	ContainerUser string

	// Stdin opens a pipe to the process's stdin.
	Stdin bool
	// PTY attaches stdout to a pseudo-terminal so that engines which
	// block-buffer non-tty output still stream line by line.
	PTY bool
}

// Process is a running engine subprocess.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *tailBuffer

	done    chan struct{}
	waitErr error

	mu      sync.Mutex
	stopped bool
}

// StartProcess spawns an engine process, either locally or inside a container
// via docker exec. The process is not tied to ctx; use Stop to end it.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("engine command is required")
	}

	var cmd *exec.Cmd
	if cfg.ContainerID != "" {
		// docker exec -i [-u user] [-w dir] [-e VAR=val...] container command args...
		args := []string{"exec", "-i"}
		if cfg.ContainerUser != "" {
			args = append(args, "-u", cfg.ContainerUser)
		}
		if cfg.WorkDir != "" {
			args = append(args, "-w", cfg.WorkDir)
		}
		for _, env := range cfg.Env {
			args = append(args, "-e", env)
		}
		args = append(args, cfg.ContainerID, cfg.Command)
		args = append(args, cfg.Args...)
		cmd = exec.Command("docker", args...)
	} else {
		cmd = exec.Command(cfg.Command, cfg.Args...)
		cmd.Dir = cfg.WorkDir
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	cmd.WaitDelay = 2 * time.Second

	p := &Process{cmd: cmd, stderr: newTailBuffer(8 << 10), done: make(chan struct{})}
	cmd.Stderr = p.stderr

	var err error
	if cfg.Stdin {
		if p.stdin, err = cmd.StdinPipe(); err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
	}

	// The read side is owned by us rather than by exec.Cmd so that Wait can
	// run concurrently with the reader.
	var childOut *os.File
	if cfg.PTY {
		ptmx, tty, perr := pty.Open()
		if perr != nil {
			p.closeStdin()
			return nil, fmt.Errorf("failed to open pty: %w", perr)
		}
		p.stdout, childOut = ptmx, tty
	} else {
		r, w, perr := os.Pipe()
		if perr != nil {
			p.closeStdin()
			return nil, fmt.Errorf("failed to create stdout pipe: %w", perr)
		}
		p.stdout, childOut = r, w
	}
	cmd.Stdout = childOut

	if err := cmd.Start(); err != nil {
		p.closeStdin()
		childOut.Close()
		p.stdout.Close()
		return nil, fmt.Errorf("failed to start engine process: %w", err)
	}
	childOut.Close()

	slog.InfoContext(ctx, "Engine process started",
		"command", cfg.Command, "container", cfg.ContainerID, "pid", cmd.Process.Pid, "pty", cfg.PTY)

	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Stdin returns the writer to the process's stdin, or nil if none was requested.
func (p *Process) Stdin() io.Writer {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

// Stdout returns the reader for the process's output. Reads from a pty
// return an error instead of io.EOF once the process exits.
func (p *Process) Stdout() io.Reader {
	return p.stdout
}

// StderrTail returns the last few kilobytes the process wrote to stderr.
func (p *Process) StderrTail() string {
	return p.stderr.String()
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Stop asks the process to exit with SIGINT and kills it if it is still
// running after grace. It is safe to call more than once.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.closeStdin()

	select {
	case <-p.done:
	default:
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGINT)
		}
		timer := time.NewTimer(grace)
		select {
		case <-p.done:
			timer.Stop()
		case <-timer.C:
			slog.Warn("Engine process ignored interrupt, killing", "pid", p.cmd.Process.Pid)
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}
	return p.stdout.Close()
}

func (p *Process) closeStdin() {
	if p.stdin != nil {
		_ = p.stdin.Close()
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf.Bytes()))
}

// ContainerResolver finds the container an engine process should run in.
type ContainerResolver interface {
	ContainerID(ctx context.Context) (string, error)
}
