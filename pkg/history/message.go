// Package history stores per-sender conversation state in Redis: a bounded
// ordered message list with TTL, an oversized-content guard, and LLM-assisted
// compaction once the token budget is exceeded.
package history

// Message roles. Tool messages must reference the assistant tool call they
// answer via ToolCallID.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// SummaryPrefix marks the system message produced by compaction.
const SummaryPrefix = "SAŽETAK RANIJEG RAZGOVORA: "

// Message is one conversation entry. Tool-call structures are preserved
// verbatim — field names are part of the contract with the LLM service.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Timestamp  float64    `json:"timestamp,omitempty"`
}

// ToolCall mirrors the LLM's native tool-call record.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw JSON arguments string.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
