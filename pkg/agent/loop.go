// Package agent runs the bounded plan/act/observe loop for one inbound user
// turn: retrieve relevant tools, ask the model for a decision, execute the
// chosen operation, feed the observation back, and finally enqueue the reply.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mobilityone/whatsagent/pkg/gateway"
	"github.com/mobilityone/whatsagent/pkg/history"
	"github.com/mobilityone/whatsagent/pkg/llm"
	"github.com/mobilityone/whatsagent/pkg/registry"
)

// maxSteps bounds the plan/act/observe iterations per user turn.
const maxSteps = 3

// TooComplexReply is sent when the loop exhausts its step budget without a
// final text decision.
const TooComplexReply = "Request too complex; please simplify."

// Conversations is the per-sender history the loop reads and extends.
// *history.Store satisfies it.
type Conversations interface {
	Append(ctx context.Context, sender string, m history.Message) error
	History(ctx context.Context, sender string) []history.Message
}

// ToolSource serves relevance queries and tool lookups. *registry.Registry
// satisfies it.
type ToolSource interface {
	FindRelevantTools(ctx context.Context, query string, topK int) []llm.ToolDefinition
	Lookup(name string) (registry.Tool, bool)
}

// Planner is the model-backed decision maker. *llm.Client satisfies it.
type Planner interface {
	AnalyzeIntent(ctx context.Context, hist []history.Message, userText string, tools []llm.ToolDefinition, systemInstruction string) (*llm.Decision, error)
}

// Executor dispatches a chosen operation. *gateway.Client satisfies it.
type Executor interface {
	Execute(ctx context.Context, op gateway.Operation, params map[string]interface{}) map[string]interface{}
}

// Outbox enqueues the final reply. *queue.Service satisfies it.
type Outbox interface {
	EnqueueOutbound(ctx context.Context, to, text string) error
}

// Loop coordinates one conversation turn across its collaborators.
type Loop struct {
	conversations Conversations
	tools         ToolSource
	planner       Planner
	executor      Executor
	outbox        Outbox
	topK          int
	logger        *slog.Logger
}

// New builds the loop. topK is forwarded to tool retrieval per step.
func New(conversations Conversations, tools ToolSource, planner Planner, executor Executor, outbox Outbox, topK int) *Loop {
	return &Loop{
		conversations: conversations,
		tools:         tools,
		planner:       planner,
		executor:      executor,
		outbox:        outbox,
		topK:          topK,
		logger:        slog.Default().With("component", "agent"),
	}
}

// IdentityInstruction builds the system directive binding every generated
// tool call to the authenticated user's API identity.
func IdentityInstruction(displayName, apiIdentity string) string {
	return fmt.Sprintf(
		"SYSTEM ENFORCEMENT: You are acting on behalf of the user '%s'. "+
			"The Internal API User Identifier is '%s'. "+
			"RULE: For EVERY tool call you generate, you MUST set the parameter 'User' (or 'email') to '%s'. "+
			"Do NOT ask the user for their username.",
		displayName, apiIdentity, apiIdentity)
}

// Process runs the loop for one inbound turn. The caller has already
// appended the user message to the conversation; instruction is the identity
// directive (empty for anonymous operation). Errors are returned only when
// conversation state could not be recorded — model and tool failures flow
// back to the user as text.
func (l *Loop) Process(ctx context.Context, sender, text, instruction string) error {
	userText := text

	for step := 0; step < maxSteps; step++ {
		hist := l.conversations.History(ctx, sender)

		query := userText
		if query == "" {
			query = lastUserContent(hist)
		}
		if query == "" {
			query = "help"
		}
		tools := l.tools.FindRelevantTools(ctx, query, l.topK)

		decision, err := l.planner.AnalyzeIntent(ctx, hist, userText, tools, instruction)
		if err != nil {
			return fmt.Errorf("analyze intent: %w", err)
		}

		if !decision.IsToolCall() {
			if err := l.conversations.Append(ctx, sender, history.Message{
				Role:    history.RoleAssistant,
				Content: decision.ResponseText,
			}); err != nil {
				return err
			}
			return l.outbox.EnqueueOutbound(ctx, sender, decision.ResponseText)
		}

		// Thought: record the tool call exactly as the model produced it.
		if err := l.conversations.Append(ctx, sender, history.Message{
			Role:      history.RoleAssistant,
			ToolCalls: decision.RawToolCalls,
		}); err != nil {
			return err
		}

		// Action.
		var result map[string]interface{}
		if tool, ok := l.tools.Lookup(decision.Tool); ok {
			result = l.executor.Execute(ctx, gateway.Operation{
				ID:     tool.ID,
				Method: tool.Method,
				Path:   tool.Path,
			}, decision.Parameters)
		} else {
			l.logger.Warn("Model selected unknown tool", "tool", decision.Tool)
			result = map[string]interface{}{"error": "Tool not found in registry"}
		}

		// Observation.
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode tool result: %w", err)
		}
		if err := l.conversations.Append(ctx, sender, history.Message{
			Role:       history.RoleTool,
			Content:    string(payload),
			ToolCallID: decision.ToolCallID,
			Name:       decision.Tool,
		}); err != nil {
			return err
		}

		// The next step analyzes the observation, not the original text.
		userText = ""
	}

	l.logger.Warn("Step budget exhausted", "sender", sender)
	return l.outbox.EnqueueOutbound(ctx, sender, TooComplexReply)
}

func lastUserContent(hist []history.Message) string {
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Role == history.RoleUser && hist[i].Content != "" {
			return hist[i].Content
		}
	}
	return ""
}
