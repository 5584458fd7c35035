package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/history"
	"github.com/mobilityone/whatsagent/pkg/identity"
	"github.com/mobilityone/whatsagent/pkg/infobip"
	"github.com/mobilityone/whatsagent/pkg/kv"
	"github.com/mobilityone/whatsagent/pkg/queue"
)

type recordingAgent struct {
	mu           sync.Mutex
	calls        []agentCall
	err          error
	panicMessage string
	reply        string
	queue        *queue.Service
}

type agentCall struct {
	Sender      string
	Text        string
	Instruction string
}

func (a *recordingAgent) Process(ctx context.Context, sender, text, instruction string) error {
	a.mu.Lock()
	a.calls = append(a.calls, agentCall{Sender: sender, Text: text, Instruction: instruction})
	a.mu.Unlock()
	if a.panicMessage != "" {
		panic(a.panicMessage)
	}
	if a.err != nil {
		return a.err
	}
	if a.reply != "" && a.queue != nil {
		return a.queue.EnqueueOutbound(ctx, sender, a.reply)
	}
	return nil
}

func (a *recordingAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type recordingSender struct {
	mu       sync.Mutex
	sent     []string
	failures int
	err      error
}

func (s *recordingSender) SendText(ctx context.Context, to, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		if s.err != nil {
			return s.err
		}
		return errors.New("connection reset")
	}
	s.sent = append(s.sent, to+"|"+text)
	return nil
}

type staticResolver struct {
	ident *identity.Identity
}

func (r *staticResolver) GetActiveIdentity(ctx context.Context, phone string) (*identity.Identity, error) {
	return r.ident, nil
}

type staticOnboarder struct {
	reply string
	calls int
}

func (o *staticOnboarder) Handle(ctx context.Context, sender, text string) (string, error) {
	o.calls++
	return o.reply, nil
}

type memConversations struct {
	mu   sync.Mutex
	msgs map[string][]history.Message
}

func (c *memConversations) Append(ctx context.Context, sender string, m history.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.msgs == nil {
		c.msgs = make(map[string][]history.Message)
	}
	c.msgs[sender] = append(c.msgs[sender], m)
	return nil
}

type fixture struct {
	mr     *miniredis.Miniredis
	client *redis.Client
	queue  *queue.Service
	conv   *memConversations
	agent  *recordingAgent
	sender *recordingSender
	worker *Worker
	cfg    config.WorkerConfig
}

func testWorker(t *testing.T, resolver Resolver, onboard Onboarder) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := config.DefaultWorkerConfig()
	cfg.BlockTimeout = 10 * time.Millisecond
	cfg.PopTimeout = 10 * time.Millisecond
	cfg.DrainTimeout = 500 * time.Millisecond

	q := queue.NewService(client, cfg)
	require.NoError(t, q.EnsureGroup(context.Background()))

	conv := &memConversations{}
	ag := &recordingAgent{queue: q}
	sender := &recordingSender{}
	w := New(client, q, conv, ag, sender, resolver, onboard, cfg)
	w.running.Store(true)

	return &fixture{mr: mr, client: client, queue: q, conv: conv, agent: ag, sender: sender, worker: w, cfg: cfg}
}

func TestInboundMessageProcessedAndAcked(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)
	f.agent.reply = "Vozilo ZG-1234-AB je na Ilici 5."

	_, err := f.queue.EnqueueInbound(ctx, "385911234567", "Gdje je vozilo ZG-1234-AB?", "wamid.abc")
	require.NoError(t, err)

	require.NoError(t, f.worker.inboundTick(ctx))

	require.Len(t, f.agent.calls, 1)
	assert.Equal(t, "385911234567", f.agent.calls[0].Sender)
	assert.Equal(t, "Gdje je vozilo ZG-1234-AB?", f.agent.calls[0].Text)
	assert.Empty(t, f.agent.calls[0].Instruction, "anonymous mode carries no identity directive")

	msgs := f.conv.msgs["385911234567"]
	require.Len(t, msgs, 1, "user turn recorded before the agent runs")
	assert.Equal(t, history.RoleUser, msgs[0].Role)

	// Reply landed on the outbound list; one send tick delivers it.
	require.NoError(t, f.worker.outboundTick(ctx))
	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "385911234567|Vozilo ZG-1234-AB je na Ilici 5.", f.sender.sent[0])

	// Entry is acked: a second read claims nothing.
	again, err := f.queue.ReadInbound(ctx, f.worker.Consumer())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDuplicateDeliverySkippedButAcked(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)

	_, err := f.queue.EnqueueInbound(ctx, "385911234567", "ponovi", "wamid.dup")
	require.NoError(t, err)

	// A sibling worker already holds the message lock.
	_, held, err := kv.AcquireLock(ctx, f.client, "wamid.dup", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	require.NoError(t, f.worker.inboundTick(ctx))

	assert.Zero(t, f.agent.callCount(), "duplicate must not reach the agent")
	assert.Empty(t, f.conv.msgs, "duplicate must not touch conversation history")

	again, err := f.queue.ReadInbound(ctx, f.worker.Consumer())
	require.NoError(t, err)
	assert.Empty(t, again, "duplicate is acknowledged, not redelivered")
}

func TestOutboundRetryProgressionToSuccess(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)
	f.sender.failures = 2

	require.NoError(t, f.queue.EnqueueOutbound(ctx, "385911234567", "odgovor"))

	// First failure: rescheduled 2s out, so nothing is due right away.
	require.NoError(t, f.worker.outboundTick(ctx))
	require.NoError(t, f.worker.retryTick(ctx))
	require.NoError(t, f.worker.outboundTick(ctx)) // empty list, no-op
	assert.Empty(t, f.sender.sent)

	// Second failure at its eligibility time, then the successful third try.
	for _, due := range []time.Duration{3 * time.Second, 8 * time.Second} {
		moved, err := f.queue.MoveDueRetries(ctx, time.Now().Add(due), 10)
		require.NoError(t, err)
		require.Equal(t, 1, moved)
		require.NoError(t, f.worker.outboundTick(ctx))
	}

	require.Len(t, f.sender.sent, 1, "third attempt succeeds")
	assert.Equal(t, "385911234567|odgovor", f.sender.sent[0])
	assert.False(t, f.mr.Exists(queue.DLQOutbound), "successful retry never dead-letters")
}

func TestOutboundNonRetryableGoesToDLQ(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)
	f.sender.failures = 1
	f.sender.err = &infobip.HTTPError{Status: 400}

	require.NoError(t, f.queue.EnqueueOutbound(ctx, "385911234567", "los payload"))
	require.NoError(t, f.worker.outboundTick(ctx))

	entries, err := f.client.LRange(ctx, queue.DLQOutbound, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], `"http_400"`)
	assert.False(t, f.mr.Exists(queue.RetrySet), "refused payload is never rescheduled")
}

func TestPoisonMessageDeadLettersAndLoopSurvives(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)
	f.agent.panicMessage = "nil map write"

	_, err := f.queue.EnqueueInbound(ctx, "385911234567", "otrov", "wamid.poison")
	require.NoError(t, err)

	require.NoError(t, f.worker.inboundTick(ctx))

	entries, err := f.client.LRange(ctx, queue.DLQInbound, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0], "panic in message handler")

	again, err := f.queue.ReadInbound(ctx, f.worker.Consumer())
	require.NoError(t, err)
	assert.Empty(t, again, "poison entry is acked so the group does not stall")

	// The next message processes normally.
	f.agent.panicMessage = ""
	_, err = f.queue.EnqueueInbound(ctx, "385911234567", "normalna", "wamid.fine")
	require.NoError(t, err)
	require.NoError(t, f.worker.inboundTick(ctx))
	assert.Equal(t, 2, f.agent.callCount())
}

func TestRateLimitedSenderSkipped(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)
	f.worker.limiter = kv.NewRateLimiter(f.client, ratePrefix, 1, time.Minute)

	for i, id := range []string{"wamid.r1", "wamid.r2"} {
		_, err := f.queue.EnqueueInbound(ctx, "385911234567", "poruka", id)
		require.NoError(t, err)
		require.NoError(t, f.worker.inboundTick(ctx))
		assert.Equal(t, 1, f.agent.callCount(), "call %d", i)
	}
}

func TestUnknownSenderRoutedToOnboarding(t *testing.T) {
	ctx := context.Background()
	onboard := &staticOnboarder{reply: "Molim upišite e-mail."}
	f := testWorker(t, &staticResolver{ident: nil}, onboard)

	_, err := f.queue.EnqueueInbound(ctx, "385998887766", "bok", "wamid.new")
	require.NoError(t, err)
	require.NoError(t, f.worker.inboundTick(ctx))

	assert.Equal(t, 1, onboard.calls)
	assert.Zero(t, f.agent.callCount(), "unidentified sender never reaches the agent")

	m, err := f.queue.PopOutbound(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "Molim upišite e-mail.", m.Text)
}

func TestKnownSenderGetsIdentityInstruction(t *testing.T) {
	ctx := context.Background()
	resolver := &staticResolver{ident: &identity.Identity{
		APIIdentity: "pero.peric@mobilityone.example",
		DisplayName: "Pero",
	}}
	f := testWorker(t, resolver, &staticOnboarder{})

	_, err := f.queue.EnqueueInbound(ctx, "385911234567", "Gdje je auto?", "wamid.known")
	require.NoError(t, err)
	require.NoError(t, f.worker.inboundTick(ctx))

	require.Len(t, f.agent.calls, 1)
	assert.Contains(t, f.agent.calls[0].Instruction, "pero.peric@mobilityone.example")
	assert.Contains(t, f.agent.calls[0].Instruction, "Pero")
}

func TestHeartbeatWritesInstanceAndAggregateKeys(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)

	f.worker.heartbeat(ctx)

	require.True(t, f.mr.Exists(heartbeatPrefix+f.worker.Consumer()))
	require.True(t, f.mr.Exists(aggregateKey))
	ttl := f.mr.TTL(heartbeatPrefix + f.worker.Consumer())
	assert.InDelta(t, f.cfg.HeartbeatTTL.Seconds(), ttl.Seconds(), 1)
}

func TestEmptyTextAckedWithoutProcessing(t *testing.T) {
	ctx := context.Background()
	f := testWorker(t, nil, nil)

	_, err := f.queue.EnqueueInbound(ctx, "385911234567", "   ", "wamid.blank")
	require.NoError(t, err)
	require.NoError(t, f.worker.inboundTick(ctx))

	assert.Zero(t, f.agent.callCount())
	again, err := f.queue.ReadInbound(ctx, f.worker.Consumer())
	require.NoError(t, err)
	assert.Empty(t, again)
}
