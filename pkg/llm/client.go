package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/history"
)

// maxDecisionAttempts bounds the retry loop for malformed tool arguments.
const maxDecisionAttempts = 2

// Client talks to an OpenAI-compatible completion and embedding API. It is
// safe for concurrent use.
type Client struct {
	api          *openai.Client
	model        string
	chatTimeout  time.Duration
	embedTimeout time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// NewClient builds a client from configuration. When cfg.BaseURL is set the
// client targets that endpoint instead of api.openai.com, which is how tests
// and self-hosted gateways plug in. A RequestsPerMinute of zero disables
// client-side throttling.
func NewClient(cfg config.OpenAIConfig) *Client {
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}

	return &Client{
		api:          openai.NewClientWithConfig(apiCfg),
		model:        cfg.Model,
		chatTimeout:  cfg.ChatTimeout,
		embedTimeout: cfg.EmbedTimeout,
		limiter:      limiter,
		logger:       slog.Default().With("component", "llm"),
	}
}

// AnalyzeIntent runs one planning call and maps the model output to a
// Decision. Failures never surface as errors to the caller unless the
// context itself is done: a failed completion becomes a fixed Croatian
// text decision so the user always gets a reply.
//
// When the model picks a tool but its arguments are not valid JSON the call
// is repeated once; a second malformed answer yields FallbackMalformed.
func (c *Client) AnalyzeIntent(ctx context.Context, hist []history.Message, userText string, tools []ToolDefinition, systemInstruction string) (*Decision, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: buildMessages(hist, userText, systemInstruction),
		// The client drops a zero temperature from the request body, so the
		// smallest nonzero value stands in for deterministic sampling.
		Temperature: math.SmallestNonzeroFloat32,
	}
	if len(tools) > 0 {
		req.Tools = encodeTools(tools)
		req.ToolChoice = "auto"
	}

	for attempt := 0; attempt < maxDecisionAttempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		cctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
		resp, err := c.api.CreateChatCompletion(cctx, req)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Error("Chat completion failed", "error", err)
			return textDecision(FallbackUnavailable), nil
		}
		if len(resp.Choices) == 0 {
			return textDecision(""), nil
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return textDecision(msg.Content), nil
		}

		call := msg.ToolCalls[0]
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			c.logger.Warn("Model produced invalid JSON arguments, retrying",
				"tool", call.Function.Name, "attempt", attempt, "error", err)
			continue
		}

		c.logger.Info("Model selected tool", "tool", call.Function.Name)
		return &Decision{
			Tool:         call.Function.Name,
			Parameters:   params,
			ToolCallID:   call.ID,
			RawToolCalls: toHistoryToolCalls(msg.ToolCalls),
		}, nil
	}

	c.logger.Error("Max retries reached for JSON correction")
	return textDecision(FallbackMalformed), nil
}

// Summarize condenses msgs into a short Croatian summary of at most maxTokens
// tokens. It implements history.Summarizer. Unlike AnalyzeIntent it returns
// errors, because the caller has a safe degradation path of its own.
func (c *Client) Summarize(ctx context.Context, msgs []history.Message, maxTokens int) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	cctx, cancel := context.WithTimeout(ctx, c.chatTimeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summarizerPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript(msgs)},
		},
		Temperature: 0.2,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarize history: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarize history: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// EmbedText returns the L2-normalized embedding of text, so relevance
// scoring can use a plain dot product.
func (c *Client) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()

	resp, err := c.api.CreateEmbeddings(cctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.SmallEmbedding3,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("create embedding: empty response")
	}
	return normalize(resp.Data[0].Embedding), nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func textDecision(text string) *Decision {
	if text == "" {
		text = FallbackEmpty
	}
	return &Decision{Parameters: map[string]interface{}{}, ResponseText: text}
}

// buildMessages assembles the wire conversation: base prompt, optional
// identity instruction, sanitized history, then the pending user text.
// History entries with roles the API does not know are dropped rather than
// failing the whole call.
func buildMessages(hist []history.Message, userText, systemInstruction string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(hist)+3)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt})
	if systemInstruction != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemInstruction})
	}

	for _, m := range hist {
		switch m.Role {
		case history.RoleSystem, history.RoleUser, history.RoleAssistant, history.RoleTool:
		default:
			continue
		}
		out := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.Role == history.RoleAssistant && len(m.ToolCalls) > 0 {
			out.ToolCalls = toAPIToolCalls(m.ToolCalls)
		}
		if m.Role == history.RoleTool {
			out.ToolCallID = m.ToolCallID
			out.Name = m.Name
		}
		msgs = append(msgs, out)
	}

	if userText != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userText})
	}
	return msgs
}

func encodeTools(defs []ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

func toHistoryToolCalls(calls []openai.ToolCall) []history.ToolCall {
	out := make([]history.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, history.ToolCall{
			ID:   c.ID,
			Type: string(c.Type),
			Function: history.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}

func toAPIToolCalls(calls []history.ToolCall) []openai.ToolCall {
	out := make([]openai.ToolCall, 0, len(calls))
	for _, c := range calls {
		typ := c.Type
		if typ == "" {
			typ = string(openai.ToolTypeFunction)
		}
		out = append(out, openai.ToolCall{
			ID:   c.ID,
			Type: openai.ToolType(typ),
			Function: openai.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}

// transcript flattens a conversation into "role: text" lines for the
// summarizer. Tool invocations and results are kept because follow-up
// questions usually refer to them.
func transcript(msgs []history.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			fmt.Fprintf(&b, "%s: [alat %s %s]\n", m.Role, call.Function.Name, call.Function.Arguments)
		}
		if m.Content != "" {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	return b.String()
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
