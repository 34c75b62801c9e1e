package acp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

const fileExecTimeout = 30 * time.Second

// client implements the acp-go-sdk Client interface for one conversation.
type client struct {
	conv          *conversation
	workspace     string
	mode          string
	containerID   string
	containerUser string
	maxSize       int
}

func (c *client) SessionUpdate(_ context.Context, params acpsdk.SessionNotification) error {
	if !c.conv.isLive() {
		return nil
	}
	c.conv.deliver(c.conv.translator.notification(params))
	return nil
}

// RequestPermission answers tool permission prompts without a human in the
// loop: plan mode refuses, every other mode takes the agent's first option.
func (c *client) RequestPermission(_ context.Context, params acpsdk.RequestPermissionRequest) (acpsdk.RequestPermissionResponse, error) {
	if c.mode == engine.PermissionPlan || len(params.Options) == 0 {
		slog.Info("ACP permission request refused", "mode", c.mode, "optionsCount", len(params.Options))
		return acpsdk.RequestPermissionResponse{
			Outcome: acpsdk.NewRequestPermissionOutcomeCancelled(),
		}, nil
	}
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.NewRequestPermissionOutcomeSelected(params.Options[0].OptionId),
	}, nil
}

func (c *client) ReadTextFile(ctx context.Context, params acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	path, err := c.resolvePath(params.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}

	var content string
	if c.containerID != "" {
		execCtx, cancel := context.WithTimeout(ctx, fileExecTimeout)
		defer cancel()
		out, stderr, err := c.execInContainer(execCtx, nil, "cat", path)
		if err != nil {
			slog.Error("ReadTextFile error", "path", path, "error", err, "stderr", stderr)
			return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %v", params.Path, err)
		}
		content = out
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return acpsdk.ReadTextFileResponse{}, fmt.Errorf("failed to read file %q: %v", params.Path, err)
		}
		content = string(data)
	}

	if len(content) > c.maxSize {
		return acpsdk.ReadTextFileResponse{}, fmt.Errorf("file %q exceeds maximum size of %d bytes", params.Path, c.maxSize)
	}
	return acpsdk.ReadTextFileResponse{Content: applyLineLimit(content, params.Line, params.Limit)}, nil
}

func (c *client) WriteTextFile(ctx context.Context, params acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	path, err := c.resolvePath(params.Path)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if len(params.Content) > c.maxSize {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("content exceeds maximum size of %d bytes", c.maxSize)
	}

	if c.containerID != "" {
		execCtx, cancel := context.WithTimeout(ctx, fileExecTimeout)
		defer cancel()
		if _, stderr, err := c.execInContainer(execCtx, strings.NewReader(params.Content), "tee", path); err != nil {
			slog.Error("WriteTextFile error", "path", path, "error", err, "stderr", stderr)
			return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %v", params.Path, err)
		}
		return acpsdk.WriteTextFileResponse{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %v", params.Path, err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, fmt.Errorf("failed to write file %q: %v", params.Path, err)
	}
	return acpsdk.WriteTextFileResponse{}, nil
}

func (c *client) CreateTerminal(_ context.Context, _ acpsdk.CreateTerminalRequest) (acpsdk.CreateTerminalResponse, error) {
	return acpsdk.CreateTerminalResponse{}, fmt.Errorf("CreateTerminal not supported")
}

func (c *client) KillTerminalCommand(_ context.Context, _ acpsdk.KillTerminalCommandRequest) (acpsdk.KillTerminalCommandResponse, error) {
	return acpsdk.KillTerminalCommandResponse{}, fmt.Errorf("KillTerminalCommand not supported")
}

func (c *client) TerminalOutput(_ context.Context, _ acpsdk.TerminalOutputRequest) (acpsdk.TerminalOutputResponse, error) {
	return acpsdk.TerminalOutputResponse{}, fmt.Errorf("TerminalOutput not supported")
}

func (c *client) ReleaseTerminal(_ context.Context, _ acpsdk.ReleaseTerminalRequest) (acpsdk.ReleaseTerminalResponse, error) {
	return acpsdk.ReleaseTerminalResponse{}, fmt.Errorf("ReleaseTerminal not supported")
}

func (c *client) WaitForTerminalExit(_ context.Context, _ acpsdk.WaitForTerminalExitRequest) (acpsdk.WaitForTerminalExitResponse, error) {
	return acpsdk.WaitForTerminalExitResponse{}, fmt.Errorf("WaitForTerminalExit not supported")
}

// resolvePath makes path absolute against the workspace and refuses paths
// that escape it.
func (c *client) resolvePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("file path is required")
	}
	if strings.ContainsRune(path, 0) {
		return "", errors.New("file path contains null byte")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.workspace, path)
	}
	path = filepath.Clean(path)
	if c.workspace != "" {
		rel, err := filepath.Rel(c.workspace, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("file path %q is outside the workspace", path)
		}
	}
	return path, nil
}

func (c *client) execInContainer(ctx context.Context, stdin io.Reader, args ...string) (string, string, error) {
	dockerArgs := []string{"exec", "-i"}
	if c.containerUser != "" {
		dockerArgs = append(dockerArgs, "-u", c.containerUser)
	}
	dockerArgs = append(dockerArgs, c.containerID)
	dockerArgs = append(dockerArgs, args...)

	cmd := exec.CommandContext(ctx, "docker", dockerArgs...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}

// applyLineLimit returns limit lines of content starting at the 1-based line.
func applyLineLimit(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 1 {
		start = *line - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit != nil && *limit >= 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}
