package acp

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestApplyLineLimit(t *testing.T) {
	content := "line1\nline2\nline3\nline4\nline5"

	tests := []struct {
		name  string
		line  *int
		limit *int
		want  string
	}{
		{name: "no line or limit", want: content},
		{name: "line 1", line: intPtr(1), want: content},
		{name: "line 3", line: intPtr(3), want: "line3\nline4\nline5"},
		{name: "limit 2", limit: intPtr(2), want: "line1\nline2"},
		{name: "line and limit", line: intPtr(2), limit: intPtr(2), want: "line2\nline3"},
		{name: "line past end", line: intPtr(10), want: ""},
		{name: "limit past end", line: intPtr(4), limit: intPtr(10), want: "line4\nline5"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, applyLineLimit(content, tc.line, tc.limit))
		})
	}
}

func TestClient_ReadWriteTextFile(t *testing.T) {
	ws := t.TempDir()
	c := &client{workspace: ws, maxSize: 1 << 10}
	ctx := context.Background()

	_, err := c.WriteTextFile(ctx, acpsdk.WriteTextFileRequest{Path: "pkg/hello.py", Content: "a\nb\nc"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws, "pkg", "hello.py"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc", string(data))

	resp, err := c.ReadTextFile(ctx, acpsdk.ReadTextFileRequest{Path: filepath.Join(ws, "pkg", "hello.py"), Line: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, "b\nc", resp.Content)
}

func TestClient_FilePathValidation(t *testing.T) {
	ws := t.TempDir()
	c := &client{workspace: ws, maxSize: 10}
	ctx := context.Background()

	_, err := c.ReadTextFile(ctx, acpsdk.ReadTextFileRequest{Path: ""})
	assert.ErrorContains(t, err, "file path is required")

	_, err = c.ReadTextFile(ctx, acpsdk.ReadTextFileRequest{Path: "a\x00b"})
	assert.ErrorContains(t, err, "null byte")

	_, err = c.ReadTextFile(ctx, acpsdk.ReadTextFileRequest{Path: "../../etc/passwd"})
	assert.ErrorContains(t, err, "outside the workspace")

	_, err = c.WriteTextFile(ctx, acpsdk.WriteTextFileRequest{Path: "big.txt", Content: "this content is longer than 10 bytes"})
	assert.ErrorContains(t, err, "exceeds maximum size")
}

func TestClient_TerminalUnsupported(t *testing.T) {
	c := &client{}
	_, err := c.CreateTerminal(context.Background(), acpsdk.CreateTerminalRequest{})
	assert.Error(t, err)
}

func TestClient_PlanModeRefusesPermission(t *testing.T) {
	c := &client{mode: "plan"}
	_, err := c.RequestPermission(context.Background(), acpsdk.RequestPermissionRequest{})
	assert.NoError(t, err)
}
