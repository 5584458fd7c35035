// Package worker is the long-running message-processing runtime: it consumes
// the inbound stream as a consumer-group member, drives the agent loop per
// message, sends queued replies through the chat gateway, and reschedules
// failed sends with exponential back-off.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/mobilityone/whatsagent/pkg/agent"
	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/history"
	"github.com/mobilityone/whatsagent/pkg/identity"
	"github.com/mobilityone/whatsagent/pkg/infobip"
	"github.com/mobilityone/whatsagent/pkg/kv"
	"github.com/mobilityone/whatsagent/pkg/observability"
	"github.com/mobilityone/whatsagent/pkg/queue"
)

const (
	heartbeatPrefix = "worker:heartbeat:"
	aggregateKey    = "worker:heartbeat"

	ratePrefix = "rate:"
)

// Agent runs one conversation turn. *agent.Loop satisfies it.
type Agent interface {
	Process(ctx context.Context, sender, text, instruction string) error
}

// Sender delivers outbound messages. *infobip.Client satisfies it.
type Sender interface {
	SendText(ctx context.Context, to, text string) error
}

// Resolver looks up the sender's API identity. *identity.Store satisfies
// it; nil runs the worker in anonymous mode (no identity binding, no
// onboarding).
type Resolver interface {
	GetActiveIdentity(ctx context.Context, phone string) (*identity.Identity, error)
}

// Onboarder walks unknown senders through registration.
// *identity.Onboarding satisfies it.
type Onboarder interface {
	Handle(ctx context.Context, sender, text string) (string, error)
}

// Conversations is the slice of the history store the worker touches
// directly (the user message append before the agent takes over).
type Conversations interface {
	Append(ctx context.Context, sender string, m history.Message) error
}

// Worker is one runtime instance. N instances share the inbound stream via
// the consumer group; each registers a unique consumer id.
type Worker struct {
	consumer string
	kvClient *redis.Client
	queue    *queue.Service
	conv     Conversations
	agent    Agent
	sender   Sender
	resolver Resolver
	onboard  Onboarder
	limiter  *kv.RateLimiter
	cfg      config.WorkerConfig
	logger   *slog.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

// New assembles a worker. resolver and onboard may be nil together for
// anonymous operation.
func New(kvClient *redis.Client, q *queue.Service, conv Conversations, ag Agent, sender Sender, resolver Resolver, onboard Onboarder, cfg config.WorkerConfig) *Worker {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	consumer := host + ":" + uuid.NewString()[:8]

	return &Worker{
		consumer: consumer,
		kvClient: kvClient,
		queue:    q,
		conv:     conv,
		agent:    ag,
		sender:   sender,
		resolver: resolver,
		onboard:  onboard,
		limiter:  kv.NewRateLimiter(kvClient, ratePrefix, cfg.RateLimit, cfg.RateWindow),
		cfg:      cfg,
		logger:   slog.Default().With("component", "worker", "consumer", consumer),
	}
}

// Consumer returns the consumer-group id of this instance.
func (w *Worker) Consumer() string {
	return w.consumer
}

// Stop requests a graceful shutdown: the loop finishes the current tick,
// drains in-flight tasks, and Run returns. Safe from any goroutine.
func (w *Worker) Stop() {
	w.running.Store(false)
}

// Run executes the main loop until Stop or context cancellation. Each tick
// runs the three pipelines concurrently; a failing pipeline never cancels
// the other two, and pipeline errors pause the loop briefly instead of
// killing it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	w.running.Store(true)
	w.heartbeat(ctx)
	w.logger.Info("Worker ready, processing loop started")

	for w.running.Load() && ctx.Err() == nil {
		errs := make([]error, 3)
		var tick sync.WaitGroup
		tick.Add(3)
		go func() { defer tick.Done(); errs[0] = w.inboundTick(ctx) }()
		go func() { defer tick.Done(); errs[1] = w.outboundTick(ctx) }()
		go func() { defer tick.Done(); errs[2] = w.retryTick(ctx) }()
		tick.Wait()

		w.heartbeat(ctx)

		failed := false
		for _, err := range errs {
			if err != nil && !errors.Is(err, context.Canceled) {
				failed = true
				w.logger.Error("Pipeline error", "error", err)
				observability.CaptureError(err)
			}
		}
		if failed {
			w.pause(ctx, w.cfg.ErrorPause)
		} else {
			w.pause(ctx, w.cfg.TickYield)
		}
	}

	return w.drain()
}

// inboundTick claims a batch of stream entries and scatters them to
// concurrent per-message tasks, gathering before the tick ends.
func (w *Worker) inboundTick(ctx context.Context) error {
	deliveries, err := w.queue.ReadInbound(ctx, w.consumer)
	if err != nil || len(deliveries) == 0 {
		return err
	}

	var batch sync.WaitGroup
	for _, d := range deliveries {
		batch.Add(1)
		w.wg.Add(1)
		go func(d queue.Delivery) {
			defer batch.Done()
			defer w.wg.Done()
			w.handleDelivery(ctx, d)
		}(d)
	}
	batch.Wait()
	return nil
}

// handleDelivery processes one stream entry end to end. Every exit path
// except a lock-acquisition failure acknowledges the entry; processing
// errors route the original payload to the inbound DLQ first so the
// consumer group never stalls on a poison message.
func (w *Worker) handleDelivery(ctx context.Context, d queue.Delivery) {
	log := w.logger.With("stream_id", d.StreamID, "message_id", d.Message.MessageID)

	lock, acquired, err := kv.AcquireLock(ctx, w.kvClient, d.Message.MessageID, w.cfg.LockTTL)
	if err != nil {
		// Entry stays pending; the consumer group redelivers it.
		log.Error("Lock acquisition failed", "error", err)
		return
	}
	if !acquired {
		observability.MessagesTotal.WithLabelValues(observability.StatusDuplicate).Inc()
		log.Info("Duplicate delivery, acknowledging without processing")
		w.ack(ctx, d.StreamID, log)
		return
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			log.Warn("Lock release failed", "error", rerr)
		}
	}()

	status, err := w.safeProcess(ctx, d.Message)
	if err != nil {
		status = observability.StatusError
		log.Error("Message processing failed", "error", err)
		observability.CaptureError(err)
		if derr := w.queue.StoreInboundDLQ(ctx, d.Values, err.Error()); derr != nil {
			log.Error("Inbound DLQ write failed", "error", derr)
		}
	}
	observability.MessagesTotal.WithLabelValues(status).Inc()
	w.ack(ctx, d.StreamID, log)
}

// safeProcess converts panics inside message handling into ordinary errors,
// so a misbehaving turn dead-letters instead of crashing the worker.
func (w *Worker) safeProcess(ctx context.Context, m queue.InboundMessage) (status string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in message handler: %v", r)
		}
	}()
	return w.process(ctx, m)
}

func (w *Worker) process(ctx context.Context, m queue.InboundMessage) (string, error) {
	text := strings.TrimSpace(m.Text)
	if m.Sender == "" || text == "" {
		return observability.StatusOK, nil
	}

	allowed, err := w.limiter.Allow(ctx, m.Sender)
	if err != nil {
		return "", err
	}
	if !allowed {
		w.logger.Warn("Rate limit exceeded", "sender", observability.MaskRecipient(m.Sender))
		return observability.StatusRateLimited, nil
	}

	timer := prometheus.NewTimer(observability.AIProcessingSeconds)
	defer timer.ObserveDuration()

	var instruction string
	if w.resolver != nil {
		ident, err := w.resolver.GetActiveIdentity(ctx, m.Sender)
		if err != nil {
			return "", err
		}
		if ident == nil {
			if w.onboard == nil {
				return observability.StatusOK, nil
			}
			reply, err := w.onboard.Handle(ctx, m.Sender, text)
			if err != nil {
				return "", err
			}
			if reply != "" {
				if err := w.queue.EnqueueOutbound(ctx, m.Sender, reply); err != nil {
					return "", err
				}
			}
			return observability.StatusOK, nil
		}
		instruction = agent.IdentityInstruction(ident.DisplayName, ident.APIIdentity)
	}

	if err := w.conv.Append(ctx, m.Sender, history.Message{
		Role:    history.RoleUser,
		Content: text,
	}); err != nil {
		return "", err
	}
	if err := w.agent.Process(ctx, m.Sender, text, instruction); err != nil {
		return "", err
	}
	return observability.StatusOK, nil
}

// outboundTick pops one reply and sends it. Retryable failures (transport,
// 5xx) go to the retry schedule; a refused payload goes straight to the
// outbound DLQ.
func (w *Worker) outboundTick(ctx context.Context) error {
	m, err := w.queue.PopOutbound(ctx)
	if err != nil || m == nil {
		return err
	}

	if err := w.sender.SendText(ctx, m.To, m.Text); err != nil {
		var httpErr *infobip.HTTPError
		if errors.As(err, &httpErr) && !httpErr.Retryable() {
			w.logger.Error("Send refused, dead-lettering",
				"cid", m.CID, "status", httpErr.Status)
			return w.queue.StoreOutboundDLQ(ctx, *m, fmt.Sprintf("http_%d", httpErr.Status))
		}
		w.logger.Warn("Send failed, scheduling retry",
			"cid", m.CID, "attempts", m.Attempts, "error", err)
		return w.queue.ScheduleRetry(ctx, *m)
	}
	return nil
}

func (w *Worker) ack(ctx context.Context, streamID string, log *slog.Logger) {
	if err := w.queue.AckInbound(ctx, streamID); err != nil {
		log.Error("Stream acknowledgement failed", "error", err)
	}
}

// retryTick moves at most one due retry back onto the outbound list.
func (w *Worker) retryTick(ctx context.Context) error {
	_, err := w.queue.MoveDueRetries(ctx, time.Now(), 1)
	return err
}

// heartbeat refreshes the per-instance liveness key and the aggregate.
func (w *Worker) heartbeat(ctx context.Context) {
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := w.kvClient.Pipeline()
	pipe.Set(ctx, heartbeatPrefix+w.consumer, now, w.cfg.HeartbeatTTL)
	pipe.Set(ctx, aggregateKey, now, w.cfg.HeartbeatTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		w.logger.Warn("Heartbeat write failed", "error", err)
	}
}

func (w *Worker) drain() error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("Worker drained cleanly")
	case <-time.After(w.cfg.DrainTimeout):
		w.logger.Warn("Drain timeout exceeded, abandoning in-flight tasks")
	}
	return nil
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
