package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "empty", opts: Options{}},
		{name: "full", opts: Options{AllowedTools: []string{"Read"}, PermissionMode: PermissionAccept, MaxTurns: 3}},
		{name: "unknown mode", opts: Options{PermissionMode: "yolo"}, wantErr: true},
		{name: "negative turns", opts: Options{MaxTurns: -1}, wantErr: true},
		{name: "empty tool", opts: Options{AllowedTools: []string{""}}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	defaults := Options{AllowedTools: []string{"Read", "Write"}, PermissionMode: PermissionAccept, MaxTurns: 50, Model: "sonnet"}

	got := Options{MaxTurns: 5}.WithDefaults(defaults)
	assert.Equal(t, []string{"Read", "Write"}, got.AllowedTools)
	assert.Equal(t, PermissionAccept, got.PermissionMode)
	assert.Equal(t, 5, got.MaxTurns)
	assert.Equal(t, "sonnet", got.Model)

	got.AllowedTools[0] = "Bash"
	assert.Equal(t, "Read", defaults.AllowedTools[0], "defaults must not be aliased")
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap("x", nil))

	base := errors.New("boom")
	err := Wrap("claude-cli", base)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "claude-cli", ee.Engine)
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Wrap("other", err))
}

func TestPublicMessage(t *testing.T) {
	err := Fail("acp", MsgStartFailed, errors.New(`initialize: {"code":-32603}`), "TypeError: boom\n    at Object.<anonymous> (index.js:42:17)")
	assert.Equal(t, MsgStartFailed, PublicMessage(err, MsgStreamFailed))
	assert.NotContains(t, err.Error(), "TypeError")

	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Stderr, "TypeError")

	assert.Equal(t, MsgStreamFailed, PublicMessage(Wrap("acp", errors.New("broken pipe")), MsgStreamFailed))
	assert.Equal(t, MsgStreamFailed, PublicMessage(errors.New("plain"), MsgStreamFailed))
}

func TestStartProcess_LocalOutput(t *testing.T) {
	p, err := StartProcess(context.Background(), ProcessConfig{
		Command: "sh",
		Args:    []string{"-c", "echo hello; echo oops >&2"},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	out, err := io.ReadAll(p.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
	require.NoError(t, p.Wait())
	assert.Equal(t, "oops", p.StderrTail())
	require.NoError(t, p.Stop(time.Second))
}

func TestStartProcess_StopInterrupts(t *testing.T) {
	p, err := StartProcess(context.Background(), ProcessConfig{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Stop(2*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatal("process should have exited")
	}
	assert.NoError(t, p.Stop(time.Second), "second stop is a no-op")
}

func TestStartProcess_MissingCommand(t *testing.T) {
	_, err := StartProcess(context.Background(), ProcessConfig{})
	require.Error(t, err)

	_, err = StartProcess(context.Background(), ProcessConfig{Command: "definitely-not-a-real-binary-xyz"})
	require.Error(t, err)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("abcdef"))
	_, _ = tb.Write([]byte("ghijkl"))
	assert.Equal(t, "efghijkl", tb.String())
	assert.False(t, strings.Contains(tb.String(), "a"))
}
