package claudecli

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cyberelf/claude-code-server/internal/engine"
)

// parser turns stream-json lines into engine messages. It is not safe for
// concurrent use; one parser belongs to one conversation.
type parser struct {
	sessionID     string
	lastMessageID string
}

// parse decodes one output line. Lines that are not JSON objects (banners,
// warnings) produce no messages.
func (p *parser) parse(line []byte) []engine.Message {
	if !gjson.ValidBytes(line) {
		return nil
	}
	root := gjson.ParseBytes(line)
	if !root.IsObject() {
		return nil
	}
	if id := root.Get("session_id").String(); id != "" {
		p.sessionID = id
	}

	switch root.Get("type").String() {
	case "system":
		return []engine.Message{{
			Kind:    engine.KindSystem,
			Subtype: root.Get("subtype").String(),
			Model:   root.Get("model").String(),
			Text:    systemText(root),
		}}
	case "assistant":
		return p.assistant(root.Get("message"))
	case "user":
		return p.user(root.Get("message"))
	case "result":
		return []engine.Message{result(root)}
	}
	return nil
}

func systemText(root gjson.Result) string {
	if s := root.Get("message").String(); s != "" {
		return s
	}
	if root.Get("subtype").String() == "init" {
		return "session initialized in " + root.Get("cwd").String()
	}
	return root.Get("subtype").String()
}

func (p *parser) assistant(msg gjson.Result) []engine.Message {
	var out []engine.Message
	model := msg.Get("model").String()
	for _, block := range msg.Get("content").Array() {
		switch block.Get("type").String() {
		case "text":
			if text := block.Get("text").String(); text != "" {
				out = append(out, engine.Message{Kind: engine.KindText, Text: text, Model: model})
			}
		case "thinking":
			if text := block.Get("thinking").String(); text != "" {
				out = append(out, engine.Message{Kind: engine.KindThinking, Text: text, Model: model})
			}
		case "tool_use":
			out = append(out, engine.ToolUse(block.Get("id").String(), block.Get("name").String(), object(block.Get("input"))))
		}
	}

	// The CLI repeats an assistant message's usage on every content line it
	// splits the message into; count each message id once.
	id := msg.Get("id").String()
	if usage := msg.Get("usage"); usage.Exists() && (id == "" || id != p.lastMessageID) {
		p.lastMessageID = id
		out = append(out, engine.Message{Kind: engine.KindUsage, Usage: usageOf(usage)})
	}
	return out
}

func (p *parser) user(msg gjson.Result) []engine.Message {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return []engine.Message{{Kind: engine.KindUser, Text: content.String()}}
	}

	var out []engine.Message
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "tool_result":
			out = append(out, engine.ToolResult(
				block.Get("tool_use_id").String(),
				flattenText(block.Get("content")),
				block.Get("is_error").Bool(),
			))
		case "text":
			out = append(out, engine.Message{Kind: engine.KindUser, Text: block.Get("text").String()})
		}
	}
	return out
}

func result(root gjson.Result) engine.Message {
	subtype := root.Get("subtype").String()
	isError := root.Get("is_error").Bool() || (subtype != "" && subtype != "success")
	res := &engine.Result{
		IsError:    isError,
		Subtype:    subtype,
		NumTurns:   int(root.Get("num_turns").Int()),
		DurationMs: root.Get("duration_ms").Int(),
		CostUSD:    root.Get("total_cost_usd").Float(),
	}
	text := root.Get("result").String()
	if isError {
		res.Error = text
		if res.Error == "" {
			res.Error = "engine finished with " + subtype
		}
	} else {
		res.Summary = text
	}

	msg := engine.Message{Kind: engine.KindResult, IsError: isError, Subtype: subtype, Result: res}
	if usage := root.Get("usage"); usage.Exists() {
		msg.Usage = usageOf(usage)
	}
	return msg
}

func usageOf(u gjson.Result) *engine.Usage {
	return &engine.Usage{
		InputTokens: int(u.Get("input_tokens").Int() +
			u.Get("cache_creation_input_tokens").Int() +
			u.Get("cache_read_input_tokens").Int()),
		OutputTokens: int(u.Get("output_tokens").Int()),
	}
}

// flattenText renders tool_result content, which is either a string or a
// list of content blocks.
func flattenText(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	var parts []string
	for _, block := range v.Array() {
		if text := block.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
	}
	return strings.Join(parts, "\n")
}

func object(v gjson.Result) map[string]any {
	if !v.IsObject() {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(v.Raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}
