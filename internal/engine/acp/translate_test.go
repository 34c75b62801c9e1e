package acp

import (
	"testing"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

func textBlock(s string) acpsdk.ContentBlock {
	return acpsdk.ContentBlock{Text: &acpsdk.ContentBlockText{Text: s}}
}

func TestTranslator_AgentChunks(t *testing.T) {
	tr := newTranslator()

	msgs := tr.notification(acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			AgentMessageChunk: &acpsdk.SessionUpdateAgentMessageChunk{Content: textBlock("Hello ")},
		},
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, engine.KindText, msgs[0].Kind)
	assert.Equal(t, "Hello ", msgs[0].Text)

	msgs = tr.notification(acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			AgentThoughtChunk: &acpsdk.SessionUpdateAgentThoughtChunk{Content: textBlock("pondering")},
		},
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, engine.KindThinking, msgs[0].Kind)

	tr.notification(acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			AgentMessageChunk: &acpsdk.SessionUpdateAgentMessageChunk{Content: textBlock("world")},
		},
	})
	res := tr.result("end_turn")
	require.NotNil(t, res.Result)
	assert.False(t, res.IsError)
	assert.Equal(t, "Hello world", res.Result.Summary)
	assert.Equal(t, 1, res.Result.NumTurns)
}

func TestTranslator_ToolCallLifecycle(t *testing.T) {
	tr := newTranslator()
	line := 3

	msgs := tr.notification(acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCall: &acpsdk.SessionUpdateToolCall{
				Kind:      acpsdk.ToolKindEdit,
				Locations: []acpsdk.ToolCallLocation{{Path: "/work/hello.py", Line: &line}},
			},
		},
	})
	require.Len(t, msgs, 1)
	assert.Equal(t, engine.KindToolUse, msgs[0].Kind)
	assert.Equal(t, "Edit", msgs[0].ToolName)
	assert.Equal(t, "/work/hello.py", msgs[0].ToolInput["file_path"])

	status := acpsdk.ToolCallStatusCompleted
	update := acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCallUpdate: &acpsdk.SessionToolCallUpdate{
				Status: &status,
				Content: []acpsdk.ToolCallContent{
					{Diff: &acpsdk.ToolCallContentDiff{Path: "/work/hello.py"}},
				},
			},
		},
	}
	msgs = tr.notification(update)
	require.Len(t, msgs, 1)
	assert.Equal(t, engine.KindToolResult, msgs[0].Kind)
	assert.Equal(t, "diff: /work/hello.py", msgs[0].Text)
	assert.False(t, msgs[0].IsError)

	assert.Empty(t, tr.notification(update), "a finished tool call reports once")
	assert.Equal(t, 2, tr.result("end_turn").Result.NumTurns)
}

func TestTranslator_IgnoresInProgressUpdates(t *testing.T) {
	tr := newTranslator()
	kind := acpsdk.ToolKindExecute
	msgs := tr.notification(acpsdk.SessionNotification{
		SessionId: "sess-1",
		Update: acpsdk.SessionUpdate{
			ToolCallUpdate: &acpsdk.SessionToolCallUpdate{Kind: &kind},
		},
	})
	assert.Empty(t, msgs)
}

func TestTranslator_ErrorStopReasons(t *testing.T) {
	for stop, want := range map[string]string{
		"max_tokens":        "agent hit the token limit",
		"max_turn_requests": "agent hit the turn limit",
		"refusal":           "agent refused the request",
		"weird_reason":      "agent stopped: weird reason",
	} {
		res := newTranslator().result(stop)
		assert.True(t, res.IsError, stop)
		assert.Equal(t, want, res.Result.Error, stop)
	}
}
