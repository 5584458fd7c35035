package llm

import (
	"encoding/json"

	"github.com/mobilityone/whatsagent/pkg/history"
)

// ToolDefinition is the model-facing description of a callable operation.
// Parameters holds a JSON Schema object describing the accepted arguments.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Decision is the outcome of a single planning call.
//
// Exactly one of the two branches is populated: a tool decision carries
// Tool, Parameters, ToolCallID and RawToolCalls; a text decision carries
// ResponseText. Fallback texts produced on model failure are ordinary
// text decisions.
type Decision struct {
	Tool         string
	Parameters   map[string]interface{}
	ToolCallID   string
	RawToolCalls []history.ToolCall
	ResponseText string
}

// IsToolCall reports whether the model chose to invoke a tool.
func (d *Decision) IsToolCall() bool {
	return d.Tool != ""
}
