package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilityone/whatsagent/pkg/config"
)

func testService(t *testing.T) (*miniredis.Miniredis, *redis.Client, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.DefaultWorkerConfig()
	cfg.BlockTimeout = 20 * time.Millisecond
	cfg.PopTimeout = 20 * time.Millisecond
	return mr, client, NewService(client, cfg)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	_, _, svc := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnsureGroup(ctx))
	require.NoError(t, svc.EnsureGroup(ctx), "existing group must be tolerated")
}

func TestInboundRoundTrip(t *testing.T) {
	_, client, svc := testService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnsureGroup(ctx))

	id, err := svc.EnqueueInbound(ctx, "38591", "Gdje je auto?", "msg_123")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	deliveries, err := svc.ReadInbound(ctx, "host:abc12345")
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	d := deliveries[0]
	assert.Equal(t, id, d.StreamID)
	assert.Equal(t, "38591", d.Message.Sender)
	assert.Equal(t, "Gdje je auto?", d.Message.Text)
	assert.Equal(t, "msg_123", d.Message.MessageID)
	assert.NotEmpty(t, d.Message.Timestamp)

	require.NoError(t, svc.AckInbound(ctx, d.StreamID))
	length, err := client.XLen(ctx, StreamInbound).Result()
	require.NoError(t, err)
	assert.Zero(t, length, "acked entries are deleted from the stream")
}

func TestReadInboundEmptyReturnsNil(t *testing.T) {
	_, _, svc := testService(t)
	ctx := context.Background()
	require.NoError(t, svc.EnsureGroup(ctx))

	deliveries, err := svc.ReadInbound(ctx, "host:abc12345")
	require.NoError(t, err)
	assert.Nil(t, deliveries)
}

func TestEnqueueOutboundGeneratesCID(t *testing.T) {
	_, _, svc := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.EnqueueOutbound(ctx, "38591", "ok"))

	m, err := svc.PopOutbound(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "38591", m.To)
	assert.Equal(t, "ok", m.Text)
	assert.NotEmpty(t, m.CID, "cid is generated at enqueue time")
	assert.Zero(t, m.Attempts)
}

func TestPopOutboundEmpty(t *testing.T) {
	_, _, svc := testService(t)

	m, err := svc.PopOutbound(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestScheduleRetryBackoffProgression(t *testing.T) {
	_, client, svc := testService(t)
	ctx := context.Background()

	m := OutboundMessage{To: "38591", Text: "ok", CID: "c", Attempts: 0}
	expectedDelays := []int64{2, 4, 8, 16}

	for i, delay := range expectedDelays {
		require.NoError(t, svc.ScheduleRetry(ctx, m))

		entries, err := client.ZRangeWithScores(ctx, RetrySet, 0, -1).Result()
		require.NoError(t, err)
		require.Len(t, entries, 1)

		var scheduled OutboundMessage
		require.NoError(t, json.Unmarshal([]byte(entries[0].Member.(string)), &scheduled))
		assert.Equal(t, i+1, scheduled.Attempts)
		assert.Equal(t, "c", scheduled.CID)
		assert.InDelta(t, float64(time.Now().Unix()+delay), entries[0].Score, 1.5,
			"attempt %d should be eligible in ~%ds", scheduled.Attempts, delay)

		require.NoError(t, client.ZRem(ctx, RetrySet, entries[0].Member).Err())
		m = scheduled
	}

	// Fifth failure exhausts the budget and dead-letters the payload.
	require.NoError(t, svc.ScheduleRetry(ctx, m))

	count, err := client.ZCard(ctx, RetrySet).Result()
	require.NoError(t, err)
	assert.Zero(t, count)

	dlq, err := client.LRange(ctx, DLQOutbound, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, dlq, 1)

	var dead OutboundMessage
	require.NoError(t, json.Unmarshal([]byte(dlq[0]), &dead))
	assert.Equal(t, MaxAttempts, dead.Attempts)
	assert.Equal(t, "max_retries", dead.Error)
	assert.NotEmpty(t, dead.FailedAt)
	assert.Equal(t, "c", dead.CID)
}

func TestMoveDueRetries(t *testing.T) {
	_, client, svc := testService(t)
	ctx := context.Background()

	require.NoError(t, svc.ScheduleRetry(ctx, OutboundMessage{To: "38591", Text: "ok", CID: "c"}))

	// Not yet eligible.
	moved, err := svc.MoveDueRetries(ctx, time.Now(), 1)
	require.NoError(t, err)
	assert.Zero(t, moved)

	// Eligible once the clock passes the score.
	moved, err = svc.MoveDueRetries(ctx, time.Now().Add(3*time.Second), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	m, err := svc.PopOutbound(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.Attempts, "attempts survive the retry round trip")
	assert.Equal(t, "c", m.CID)

	count, err := client.ZCard(ctx, RetrySet).Result()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStoreInboundDLQPreservesPayload(t *testing.T) {
	_, client, svc := testService(t)
	ctx := context.Background()

	values := map[string]interface{}{
		"sender":     "38591",
		"text":       "boom",
		"message_id": "m9",
	}
	require.NoError(t, svc.StoreInboundDLQ(ctx, values, "llm exploded"))

	raw, err := client.LRange(ctx, DLQInbound, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, raw, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &entry))
	assert.Equal(t, "38591", entry["sender"])
	assert.Equal(t, "boom", entry["text"])
	assert.Equal(t, "m9", entry["message_id"])
	assert.Equal(t, "llm exploded", entry["error"])
	assert.NotEmpty(t, entry["failed_at"])
}
