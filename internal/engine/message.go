package engine

// Kind identifies the shape of a Message.
type Kind string

const (
	KindText       Kind = "text"
	KindThinking   Kind = "thinking"
	KindUser       Kind = "user"
	KindSystem     Kind = "system"
	KindToolUse    Kind = "tool_use"
	KindToolResult Kind = "tool_result"
	KindUsage      Kind = "usage"
	KindResult     Kind = "result"
)

// Message is one unit of engine output. Only the fields relevant to Kind are set.
type Message struct {
	Kind    Kind
	Text    string
	Model   string
	Subtype string

	// Tool calls. ToolID links a tool_result to its tool_use.
	ToolID    string
	ToolName  string
	ToolInput map[string]any
	IsError   bool

	// Usage is set on usage messages and, as totals, on the result message.
	Usage  *Usage
	Result *Result
}

// Usage reports tokens consumed by one engine turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the engine's terminal report for a conversation.
type Result struct {
	IsError    bool
	Subtype    string
	Summary    string
	Error      string
	NumTurns   int
	DurationMs int64
	CostUSD    float64
}

// Text builds an assistant text message.
func Text(s string) Message { return Message{Kind: KindText, Text: s} }

// ToolUse builds a tool invocation message.
func ToolUse(id, name string, input map[string]any) Message {
	return Message{Kind: KindToolUse, ToolID: id, ToolName: name, ToolInput: input}
}

// ToolResult builds a tool completion message.
func ToolResult(id, content string, isError bool) Message {
	return Message{Kind: KindToolResult, ToolID: id, Text: content, IsError: isError}
}

// UsageMessage builds a per-turn usage message.
func UsageMessage(in, out int) Message {
	return Message{Kind: KindUsage, Usage: &Usage{InputTokens: in, OutputTokens: out}}
}

// Success builds a successful result message.
func Success(summary string, turns int) Message {
	return Message{Kind: KindResult, Result: &Result{Subtype: "success", Summary: summary, NumTurns: turns}}
}

// Failure builds a failed result message.
func Failure(reason string) Message {
	return Message{Kind: KindResult, IsError: true, Result: &Result{IsError: true, Subtype: "error", Error: reason}}
}
