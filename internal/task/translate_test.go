package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/events"
)

func TestTranslator_MessageKinds(t *testing.T) {
	tr := newTranslator()
	tests := []struct {
		msg  engine.Message
		typ  events.Type
		data any
	}{
		{engine.Message{Kind: engine.KindText, Text: "hi", Model: "sonnet"}, events.TypeMessage,
			events.MessageData{MessageType: "assistant", Content: "hi", Model: "sonnet"}},
		{engine.Message{Kind: engine.KindThinking, Text: "hmm"}, events.TypeMessage,
			events.MessageData{MessageType: "thinking", Content: "hmm"}},
		{engine.Message{Kind: engine.KindUser, Text: "more"}, events.TypeMessage,
			events.MessageData{MessageType: "user", Content: "more"}},
		{engine.Message{Kind: engine.KindSystem, Subtype: "init"}, events.TypeMessage,
			events.MessageData{MessageType: "system", Subtype: "init"}},
		{engine.ToolUse("t1", "Bash", nil), events.TypeToolUse,
			events.ToolUseData{ToolID: "t1", ToolName: "Bash", ToolInput: map[string]any{}}},
		{engine.ToolResult("t1", "ok", false), events.TypeToolResult,
			events.ToolResultData{ToolUseID: "t1", Content: "ok"}},
	}
	for _, tt := range tests {
		evs := tr.translate(tt.msg)
		require.Len(t, evs, 1)
		assert.Equal(t, tt.typ, evs[0].Type)
		assert.Equal(t, tt.data, evs[0].Data)
	}
	assert.Nil(t, tr.translate(engine.Success("done", 2)))
	require.NotNil(t, tr.result)
	assert.Equal(t, 2, tr.stats.Turns)
}

func TestTranslator_CountsDistinctModifiedFiles(t *testing.T) {
	tr := newTranslator()
	steps := []engine.Message{
		engine.ToolUse("a", "Write", map[string]any{"file_path": "/w/a.go"}),
		engine.ToolResult("a", "ok", false),
		engine.ToolUse("b", "Edit", map[string]any{"file_path": "/w/a.go"}),
		engine.ToolResult("b", "ok", false),
		engine.ToolUse("c", "Edit", map[string]any{"file_path": "/w/b.go"}),
		engine.ToolResult("c", "old_string not found", true),
		engine.ToolUse("d", "NotebookEdit", map[string]any{"notebook_path": "/w/n.ipynb"}),
		engine.ToolResult("d", "ok", false),
		engine.ToolUse("e", "Read", map[string]any{"file_path": "/w/c.go"}),
		engine.ToolResult("e", "contents", false),
	}
	for _, m := range steps {
		tr.translate(m)
	}
	assert.Equal(t, 2, tr.stats.FilesModified)
}

func TestTranslator_UsageAccumulates(t *testing.T) {
	tr := newTranslator()
	tr.translate(engine.UsageMessage(100, 10))
	evs := tr.translate(engine.UsageMessage(50, 5))
	require.Len(t, evs, 1)
	p := evs[0].Data.(events.ProgressData)
	assert.Equal(t, 2, p.Turns)
	assert.Equal(t, 150, p.TokensInput)
	assert.Equal(t, 15, p.TokensOutput)
	assert.Equal(t, 165, p.TokensUsed)

	done := engine.Success("ok", 1)
	done.Usage = &engine.Usage{InputTokens: 400, OutputTokens: 3}
	done.Result.CostUSD = 0.25
	tr.translate(done)
	assert.Equal(t, 2, tr.stats.Turns, "totals never lower counted turns")
	assert.Equal(t, 400, tr.stats.TokensInput)
	assert.Equal(t, 15, tr.stats.TokensOutput)
	assert.Equal(t, 0.25, tr.stats.CostUSD)
}

func TestStatus_Transitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusRunning))
	assert.True(t, StatusRunning.CanTransition(StatusInterrupted))
	assert.True(t, StatusPending.CanTransition(StatusInterrupted))
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusInterrupted} {
		assert.True(t, s.Terminal())
		assert.False(t, s.CanTransition(StatusRunning))
		assert.False(t, s.CanTransition(StatusFailed))
	}
	assert.False(t, StatusRunning.CanTransition(StatusPending))
}
