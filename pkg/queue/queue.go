// Package queue is the single adapter over the durable Redis structures:
// the inbound stream with its consumer group, the outbound list, the retry
// sorted set, and the two dead-letter lists. No other component issues
// list/zset/stream commands.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mobilityone/whatsagent/pkg/config"
)

// Durable structure names. Shared with the original deployment, so renaming
// any of these is a breaking migration.
const (
	StreamInbound = "whatsapp_stream_inbound"
	QueueOutbound = "whatsapp_outbound"
	RetrySet      = "schedule_retry"
	DLQInbound    = "dlq:inbound"
	DLQOutbound   = "dlq:outbound"

	Group = "workers_group"
)

// MaxAttempts is the send-attempt ceiling; reaching it routes the message to
// the outbound DLQ.
const MaxAttempts = 5

// Service is the adapter instance. Batch and timeout tuning comes from the
// worker configuration.
type Service struct {
	client *redis.Client
	batch  int64
	block  time.Duration
	pop    time.Duration
}

// NewService builds the adapter over an established Redis client.
func NewService(client *redis.Client, cfg config.WorkerConfig) *Service {
	return &Service{
		client: client,
		batch:  cfg.BatchSize,
		block:  cfg.BlockTimeout,
		pop:    cfg.PopTimeout,
	}
}

// EnsureGroup creates the consumer group (and the stream, if missing). An
// already existing group is fine — every worker runs this at startup.
func (s *Service) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, StreamInbound, Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// EnqueueInbound appends a webhook message to the inbound stream and returns
// the assigned stream id.
func (s *Service) EnqueueInbound(ctx context.Context, sender, text, messageID string) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamInbound,
		Values: map[string]interface{}{
			"sender":     sender,
			"text":       text,
			"message_id": messageID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd inbound: %w", err)
	}
	return id, nil
}

// ReadInbound claims up to the configured batch of new entries for the given
// consumer, blocking up to the configured timeout. An empty read returns
// (nil, nil).
func (s *Service) ReadInbound(ctx context.Context, consumer string) ([]Delivery, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    Group,
		Consumer: consumer,
		Streams:  []string{StreamInbound, ">"},
		Count:    s.batch,
		Block:    s.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			deliveries = append(deliveries, Delivery{
				StreamID: msg.ID,
				Message:  decodeInbound(msg.Values),
				Values:   msg.Values,
			})
		}
	}
	return deliveries, nil
}

// AckInbound acknowledges a processed entry and deletes it from the stream.
func (s *Service) AckInbound(ctx context.Context, streamID string) error {
	if err := s.client.XAck(ctx, StreamInbound, Group, streamID).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", streamID, err)
	}
	if err := s.client.XDel(ctx, StreamInbound, streamID).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", streamID, err)
	}
	return nil
}

// EnqueueOutbound pushes a fresh reply onto the outbound list.
func (s *Service) EnqueueOutbound(ctx context.Context, to, text string) error {
	return s.EnqueueOutboundMessage(ctx, OutboundMessage{To: to, Text: text})
}

// EnqueueOutboundMessage pushes a reply payload, generating a correlation id
// when absent so retries and DLQ entries stay traceable.
func (s *Service) EnqueueOutboundMessage(ctx context.Context, m OutboundMessage) error {
	if m.CID == "" {
		m.CID = uuid.NewString()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode outbound: %w", err)
	}
	if err := s.client.RPush(ctx, QueueOutbound, payload).Err(); err != nil {
		return fmt.Errorf("rpush outbound: %w", err)
	}
	return nil
}

// PopOutbound blocks up to the configured timeout for the next reply to
// send. A nil message without error means the list stayed empty.
func (s *Service) PopOutbound(ctx context.Context) (*OutboundMessage, error) {
	res, err := s.client.BLPop(ctx, s.pop, QueueOutbound).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("blpop outbound: %w", err)
	}

	var m OutboundMessage
	if err := json.Unmarshal([]byte(res[1]), &m); err != nil {
		return nil, fmt.Errorf("decode outbound payload: %w", err)
	}
	return &m, nil
}

// ScheduleRetry increments the attempt counter and either schedules the
// payload on the retry set (eligible at now + 2^attempts seconds) or, at the
// attempt ceiling, routes it to the outbound DLQ.
func (s *Service) ScheduleRetry(ctx context.Context, m OutboundMessage) error {
	m.Attempts++

	if m.Attempts >= MaxAttempts {
		return s.StoreOutboundDLQ(ctx, m, "max_retries")
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode retry: %w", err)
	}
	delay := time.Duration(1<<uint(m.Attempts)) * time.Second
	score := float64(time.Now().Add(delay).Unix())
	if err := s.client.ZAdd(ctx, RetrySet, redis.Z{Score: score, Member: string(payload)}).Err(); err != nil {
		return fmt.Errorf("zadd retry: %w", err)
	}
	return nil
}

// MoveDueRetries re-enqueues up to limit retry entries whose eligibility
// time has passed, preserving cid and attempts. Claim-by-remove: an entry is
// re-enqueued only by the worker whose ZREM actually removed it.
func (s *Service) MoveDueRetries(ctx context.Context, now time.Time, limit int64) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, RetrySet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore retry: %w", err)
	}

	moved := 0
	for _, member := range members {
		removed, err := s.client.ZRem(ctx, RetrySet, member).Result()
		if err != nil {
			return moved, fmt.Errorf("zrem retry: %w", err)
		}
		if removed == 0 {
			continue // another worker claimed it first
		}
		if err := s.client.RPush(ctx, QueueOutbound, member).Err(); err != nil {
			return moved, fmt.Errorf("requeue retry: %w", err)
		}
		moved++
	}
	return moved, nil
}

// StoreInboundDLQ parks a poison message with its error; the original stream
// fields are preserved verbatim.
func (s *Service) StoreInboundDLQ(ctx context.Context, values map[string]interface{}, cause string) error {
	entry := make(map[string]interface{}, len(values)+2)
	for k, v := range values {
		entry[k] = v
	}
	entry["error"] = cause
	entry["failed_at"] = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode inbound dlq: %w", err)
	}
	if err := s.client.RPush(ctx, DLQInbound, payload).Err(); err != nil {
		return fmt.Errorf("rpush inbound dlq: %w", err)
	}
	return nil
}

// StoreOutboundDLQ terminally parks an undeliverable reply.
func (s *Service) StoreOutboundDLQ(ctx context.Context, m OutboundMessage, reason string) error {
	m.Error = reason
	m.FailedAt = time.Now().UTC().Format(time.RFC3339)

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode outbound dlq: %w", err)
	}
	if err := s.client.RPush(ctx, DLQOutbound, payload).Err(); err != nil {
		return fmt.Errorf("rpush outbound dlq: %w", err)
	}
	return nil
}

func decodeInbound(values map[string]interface{}) InboundMessage {
	str := func(key string) string {
		if v, ok := values[key].(string); ok {
			return v
		}
		return ""
	}
	return InboundMessage{
		Sender:    str("sender"),
		Text:      str("text"),
		MessageID: str("message_id"),
		Timestamp: str("timestamp"),
	}
}
