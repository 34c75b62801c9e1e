package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())
	return entry
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" DEBUG ": slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestNew_Formats(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer
	New(Options{Format: "json", Writer: &jsonBuf}).Info("task submitted", "taskID", "task-1", "sessionID", "session-1")
	New(Options{Format: "text", Writer: &textBuf}).Info("task submitted", "taskID", "task-1")

	entry := decodeLine(t, &jsonBuf)
	assert.Equal(t, "task submitted", entry["msg"])
	assert.Equal(t, "task-1", entry["taskID"])
	assert.Equal(t, "session-1", entry["sessionID"])

	assert.Contains(t, textBuf.String(), "taskID=task-1")
	assert.False(t, json.Valid(textBuf.Bytes()))
}

func TestNew_LevelIsRuntimeAdjustable(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Writer: &buf})

	logger.Info("dropped")
	assert.Zero(t, buf.Len())
	logger.Warn("kept")
	assert.NotZero(t, buf.Len())

	Level.Set(slog.LevelDebug)
	t.Cleanup(func() { Level.Set(slog.LevelInfo) })
	buf.Reset()
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestSetup_InstallsDefaultAndBridgesStdlib(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	Setup(Options{Writer: &buf})

	log.Printf("legacy line")
	entry := decodeLine(t, &buf)
	assert.Equal(t, "legacy line", entry["msg"])
	assert.Equal(t, "stdlib", entry["source"])

	buf.Reset()
	slog.Info("via default")
	assert.Equal(t, "via default", decodeLine(t, &buf)["msg"])
}

func TestDiscard(t *testing.T) {
	assert.False(t, Discard().Enabled(context.Background(), slog.LevelError))
}
