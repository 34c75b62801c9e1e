package task

import (
	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/events"
)

// fileTools are the tools whose successful result means a file changed.
var fileTools = map[string][]string{
	"Write":        {"file_path"},
	"Edit":         {"file_path"},
	"MultiEdit":    {"file_path"},
	"NotebookEdit": {"notebook_path", "file_path"},
}

// translator turns engine messages of one task into events and keeps the
// task's cumulative counters.
type translator struct {
	stats   Stats
	pending map[string]string   // tool id -> path awaiting its result
	files   map[string]struct{} // distinct modified paths
	result  *engine.Result
}

func newTranslator() *translator {
	return &translator{
		pending: make(map[string]string),
		files:   make(map[string]struct{}),
	}
}

func (tr *translator) progress() events.ProgressData {
	return events.ProgressData{
		Turns:         tr.stats.Turns,
		TokensUsed:    tr.stats.TokensUsed(),
		TokensInput:   tr.stats.TokensInput,
		TokensOutput:  tr.stats.TokensOutput,
		FilesModified: tr.stats.FilesModified,
		ElapsedTimeMs: tr.stats.ElapsedMs,
	}
}

// translate returns the events for msg, in order. A result message is
// recorded and produces no event; the caller finishes the task.
func (tr *translator) translate(msg engine.Message) []events.Event {
	switch msg.Kind {
	case engine.KindText:
		return one(events.TypeMessage, events.MessageData{MessageType: "assistant", Content: msg.Text, Model: msg.Model})
	case engine.KindThinking:
		return one(events.TypeMessage, events.MessageData{MessageType: "thinking", Content: msg.Text})
	case engine.KindUser:
		return one(events.TypeMessage, events.MessageData{MessageType: "user", Content: msg.Text})
	case engine.KindSystem:
		return one(events.TypeMessage, events.MessageData{MessageType: "system", Content: msg.Text, Subtype: msg.Subtype})
	case engine.KindToolUse:
		tr.trackFile(msg)
		input := msg.ToolInput
		if input == nil {
			input = map[string]any{}
		}
		return one(events.TypeToolUse, events.ToolUseData{ToolID: msg.ToolID, ToolName: msg.ToolName, ToolInput: input})
	case engine.KindToolResult:
		if path, ok := tr.pending[msg.ToolID]; ok {
			delete(tr.pending, msg.ToolID)
			if !msg.IsError {
				tr.files[path] = struct{}{}
				tr.stats.FilesModified = len(tr.files)
			}
		}
		return one(events.TypeToolResult, events.ToolResultData{ToolUseID: msg.ToolID, Content: msg.Text, IsError: msg.IsError})
	case engine.KindUsage:
		if msg.Usage != nil {
			tr.stats.Turns++
			tr.stats.TokensInput += msg.Usage.InputTokens
			tr.stats.TokensOutput += msg.Usage.OutputTokens
		}
		return one(events.TypeProgress, tr.progress())
	case engine.KindResult:
		tr.finish(msg)
	}
	return nil
}

func (tr *translator) trackFile(msg engine.Message) {
	keys, ok := fileTools[msg.ToolName]
	if !ok || msg.ToolID == "" {
		return
	}
	for _, k := range keys {
		if p, ok := msg.ToolInput[k].(string); ok && p != "" {
			tr.pending[msg.ToolID] = p
			return
		}
	}
}

// finish folds the engine's final totals into the counters. Totals never
// lower what was already counted from the stream.
func (tr *translator) finish(msg engine.Message) {
	r := msg.Result
	if r == nil {
		r = &engine.Result{IsError: msg.IsError}
	}
	tr.result = r
	tr.stats.Turns = max(tr.stats.Turns, r.NumTurns)
	tr.stats.CostUSD = r.CostUSD
	if msg.Usage != nil {
		tr.stats.TokensInput = max(tr.stats.TokensInput, msg.Usage.InputTokens)
		tr.stats.TokensOutput = max(tr.stats.TokensOutput, msg.Usage.OutputTokens)
	}
}

func one(typ events.Type, data any) []events.Event {
	return []events.Event{{Type: typ, Data: data}}
}
