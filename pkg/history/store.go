package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mobilityone/whatsagent/pkg/config"
)

const keyPrefix = "ctx:"

// Summarizer condenses a conversation prefix into a short summary. The LLM
// client implements it; compaction falls back to plain trimming when it
// fails.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message, maxTokens int) (string, error)
}

// Store is the per-sender conversation adapter.
type Store struct {
	client     *redis.Client
	cfg        config.ContextConfig
	env        config.AppEnv
	summarizer Summarizer
	logger     *slog.Logger
}

// NewStore builds the adapter. summarizer may be nil; compaction then always
// trims without a summary.
func NewStore(client *redis.Client, cfg config.ContextConfig, env config.AppEnv, summarizer Summarizer) *Store {
	return &Store{
		client:     client,
		cfg:        cfg,
		env:        env,
		summarizer: summarizer,
		logger:     slog.With("component", "history"),
	}
}

func key(sender string) string { return keyPrefix + sender }

func nowUnix() float64 { return float64(time.Now().UnixNano()) / 1e9 }

// Append stores one message and refreshes the conversation TTL, then
// enforces the token budget. Oversized content is replaced by a summary
// envelope before storage.
func (s *Store) Append(ctx context.Context, sender string, m Message) error {
	m.Content = s.guardContent(ctx, sender, m.Content)
	if m.Timestamp == 0 {
		m.Timestamp = nowUnix()
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key(sender), payload)
	pipe.Expire(ctx, key(sender), s.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message: %w", err)
	}

	return s.enforceBudget(ctx, sender)
}

// History returns the whole conversation, oldest first. Undecodable entries
// are skipped and a read failure yields an empty history rather than an
// error — the agent can always proceed with less context.
func (s *Store) History(ctx context.Context, sender string) []Message {
	raw, err := s.client.LRange(ctx, key(sender), 0, -1).Result()
	if err != nil {
		s.logger.Error("History read failed", "sender", sender, "error", err)
		return nil
	}

	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			s.logger.Warn("Skipping undecodable history entry", "sender", sender, "error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// guardContent applies the oversized-input guard: content above the
// configured byte limit is replaced by an envelope with a short preview. In
// development the original is stashed for one hour for debugging.
func (s *Store) guardContent(ctx context.Context, sender, content string) string {
	if len(content) <= s.cfg.MaxContentSize {
		return content
	}

	if s.env.IsDevelopment() {
		blobKey := fmt.Sprintf("debug:blob:%s:%d", sender, time.Now().UnixNano())
		if err := s.client.Set(ctx, blobKey, content, time.Hour).Err(); err != nil {
			s.logger.Warn("Debug blob stash failed", "error", err)
		}
	}

	preview := runePrefix(content, 1000)
	envelope, err := json.Marshal(map[string]string{
		"system_note": "content exceeded max size; truncated preview follows",
		"preview":     preview,
	})
	if err != nil {
		return preview
	}
	s.logger.Warn("Oversized content replaced by envelope",
		"sender", sender, "original_bytes", len(content))
	return string(envelope)
}

// runePrefix truncates s to at most n bytes without splitting a UTF-8
// sequence mid-rune.
func runePrefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}

// enforceBudget compacts the conversation once it exceeds the token budget:
// everything older than the split point is folded into one system summary
// (or simply dropped when summarization fails).
func (s *Store) enforceBudget(ctx context.Context, sender string) error {
	msgs := s.History(ctx, sender)
	total := EstimateHistory(msgs)
	if total <= s.cfg.MaxTokens {
		return nil
	}

	split := s.splitPoint(msgs)
	if split == 0 {
		return nil
	}
	if split < 2 {
		// Indivisible: drop only the oldest entry.
		return s.trim(ctx, sender, 1, nil)
	}

	summary, err := s.summarize(ctx, msgs[:split])
	if err != nil {
		s.logger.Warn("Summarization failed, trimming without summary",
			"sender", sender, "dropped", split, "error", err)
		return s.trim(ctx, sender, split, nil)
	}

	head := Message{
		Role:      RoleSystem,
		Content:   SummaryPrefix + summary,
		Timestamp: nowUnix(),
	}
	s.logger.Info("Conversation compacted",
		"sender", sender, "dropped", split, "total_tokens", total)
	return s.trim(ctx, sender, split, &head)
}

// splitPoint walks the conversation backwards and returns the index of the
// oldest message that still fits the target budget.
func (s *Store) splitPoint(msgs []Message) int {
	acc := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		t := Estimate(msgs[i])
		if acc+t > s.cfg.TargetTokens {
			return i + 1
		}
		acc += t
	}
	return 0
}

func (s *Store) summarize(ctx context.Context, prefix []Message) (string, error) {
	if s.summarizer == nil {
		return "", fmt.Errorf("no summarizer configured")
	}
	return s.summarizer.Summarize(ctx, prefix, s.cfg.SummaryMaxTokens)
}

// trim drops everything before split and optionally left-pushes the summary
// head, in one pipeline. The negative LTRIM end keeps entries appended
// concurrently by other workers.
func (s *Store) trim(ctx context.Context, sender string, split int, head *Message) error {
	pipe := s.client.Pipeline()
	pipe.LTrim(ctx, key(sender), int64(split), -1)
	if head != nil {
		payload, err := json.Marshal(head)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		pipe.LPush(ctx, key(sender), payload)
	}
	pipe.Expire(ctx, key(sender), s.cfg.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}
