package acp

import (
	"encoding/json"
	"strings"
	"sync"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/tidwall/gjson"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// toolNames maps ACP tool kinds onto the tool names the Claude engines use.
var toolNames = map[string]string{
	"read":    "Read",
	"edit":    "Edit",
	"delete":  "Delete",
	"move":    "Move",
	"search":  "Grep",
	"execute": "Bash",
	"fetch":   "WebFetch",
	"think":   "Think",
}

// translator converts ACP session notifications into engine messages and
// keeps what it needs to build the final result.
type translator struct {
	mu        sync.Mutex
	summary   strings.Builder
	seen      map[string]bool
	finished  map[string]bool
	toolCalls int
}

func newTranslator() *translator {
	return &translator{seen: map[string]bool{}, finished: map[string]bool{}}
}

func (t *translator) notification(n acpsdk.SessionNotification) []engine.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	u := n.Update
	var out []engine.Message

	if u.UserMessageChunk != nil {
		if text := contentText(u.UserMessageChunk.Content); text != "" {
			out = append(out, engine.Message{Kind: engine.KindUser, Text: text})
		}
	}
	if u.AgentMessageChunk != nil {
		if text := contentText(u.AgentMessageChunk.Content); text != "" {
			t.summary.WriteString(text)
			out = append(out, engine.Text(text))
		}
	}
	if u.AgentThoughtChunk != nil {
		if text := contentText(u.AgentThoughtChunk.Content); text != "" {
			out = append(out, engine.Message{Kind: engine.KindThinking, Text: text})
		}
	}
	if u.ToolCall != nil {
		raw, _ := json.Marshal(u.ToolCall)
		out = append(out, t.toolCall(gjson.ParseBytes(raw), u.ToolCall.Content)...)
	}
	if u.ToolCallUpdate != nil {
		raw, _ := json.Marshal(u.ToolCallUpdate)
		if m, ok := t.toolUpdate(gjson.ParseBytes(raw), u.ToolCallUpdate.Content); ok {
			out = append(out, m)
		}
	}
	return out
}

func (t *translator) toolCall(call gjson.Result, content []acpsdk.ToolCallContent) []engine.Message {
	id := call.Get("toolCallId").String()
	if t.seen[id] {
		return nil
	}
	t.seen[id] = true
	t.toolCalls++
	// Text after the last tool call is the agent's closing summary.
	t.summary.Reset()

	kind := call.Get("kind").String()
	title := call.Get("title").String()
	name, ok := toolNames[kind]
	if !ok {
		name = title
	}
	if name == "" {
		name = "Tool"
	}

	input := map[string]any{}
	if rawInput := call.Get("rawInput"); rawInput.IsObject() {
		_ = json.Unmarshal([]byte(rawInput.Raw), &input)
	}
	if _, ok := input["file_path"]; !ok {
		if path := call.Get("locations.0.path").String(); path != "" {
			input["file_path"] = path
		}
	}
	if title != "" {
		input["title"] = title
	}

	out := []engine.Message{engine.ToolUse(id, name, input)}
	if m, ok := t.finish(id, call.Get("status").String(), content); ok {
		out = append(out, m)
	}
	return out
}

func (t *translator) toolUpdate(update gjson.Result, content []acpsdk.ToolCallContent) (engine.Message, bool) {
	return t.finish(update.Get("toolCallId").String(), update.Get("status").String(), content)
}

// finish emits a tool result the first time a call reaches a final status.
func (t *translator) finish(id, status string, content []acpsdk.ToolCallContent) (engine.Message, bool) {
	if status != "completed" && status != "failed" {
		return engine.Message{}, false
	}
	if t.finished[id] {
		return engine.Message{}, false
	}
	t.finished[id] = true
	return engine.ToolResult(id, toolCallText(content), status == "failed"), true
}

func (t *translator) result(stop string) engine.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := &engine.Result{
		Subtype:  stop,
		NumTurns: t.toolCalls + 1,
	}
	if reason := stopReasonError(stop); reason != "" {
		res.IsError = true
		res.Error = reason
	} else {
		res.Summary = strings.TrimSpace(t.summary.String())
	}
	return engine.Message{Kind: engine.KindResult, IsError: res.IsError, Subtype: stop, Result: res}
}

// contentText extracts text from a ContentBlock. Non-text blocks yield "".
func contentText(block acpsdk.ContentBlock) string {
	if block.Text != nil {
		return block.Text.Text
	}
	return ""
}

// toolCallText aggregates text from tool call content blocks.
func toolCallText(contents []acpsdk.ToolCallContent) string {
	var parts []string
	for _, c := range contents {
		if c.Content != nil && c.Content.Content.Text != nil {
			parts = append(parts, c.Content.Content.Text.Text)
		}
		if c.Diff != nil {
			parts = append(parts, "diff: "+c.Diff.Path)
		}
	}
	return strings.Join(parts, "\n")
}
