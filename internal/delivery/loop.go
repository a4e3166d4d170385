// Package delivery implements the Delivery Loop: the per-queue pipeline
// that turns one broker delivery into a webhook call, gated by the epoch,
// the pause flag, and the business-hours window, and that detects queue
// drain so the consumer tears itself down.
//
// One Loop runs per RuntimeConsumer, as its own goroutine, ranging over
// that queue's own delivery stream on the single shared, prefetch=1
// channel. This is the hardest subsystem in the forwarder: every step
// after the first sleep must re-check the epoch before touching the
// broker, since a channel obtained before a reconnect must never be acked
// against again.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/broker"
	"github.com/relaymq/forwarder/internal/domain"
	"github.com/relaymq/forwarder/internal/epoch"
	"github.com/relaymq/forwarder/internal/metrics"
	"github.com/relaymq/forwarder/internal/registry"
	"github.com/relaymq/forwarder/internal/webhook"
)

// Message is the minimal broker delivery surface the loop needs. It is
// satisfied structurally by broker.Delivery and by any fake used in tests.
type Message interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// QueueProbe is the subset of the Broker Link the loop drives directly:
// the post-ack drain check and the cancel issued on drain or stop.
type QueueProbe interface {
	CheckQueue(ctx context.Context, queue string) (broker.QueueInfo, error)
	Cancel(tag string) error
}

// ConfigStore is the subset of the Config Store the loop needs: removing a
// row once its queue has drained.
type ConfigStore interface {
	Delete(ctx context.Context, queue string) error
}

// WebhookCaller is the subset of the webhook client the loop needs.
type WebhookCaller interface {
	Deliver(ctx context.Context, url string, payload any) (webhook.Outcome, int, error)
	NotifyFinish(ctx context.Context, url, queue string, lastMessage []byte)
}

// Config wires one Loop instance. Rand, Clock, and Sleep default to the
// real implementations when left nil; tests override them for determinism.
type Config struct {
	Queue            string
	Tag              string
	Epoch            int64
	Deliveries       <-chan Message
	EpochMgr         *epoch.Manager
	Registry         *registry.Registry
	Broker           QueueProbe
	Store            ConfigStore
	Webhook          WebhookCaller
	FinishWebhookURL string
	Location         *time.Location
	Logger           *zap.Logger

	Rand  func() float64
	Clock func() time.Time
	Sleep func(time.Duration)
}

// Loop is one running per-queue delivery pipeline.
type Loop struct {
	cfg Config
}

// New returns a ready-to-run Loop. Call Run in its own goroutine.
func New(cfg Config) *Loop {
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Loop{cfg: cfg}
}

// Run processes deliveries until the channel closes, ctx is cancelled, or
// the pipeline itself decides the consumer has terminated (drain, stop
// signaled by registry removal, or a stale epoch).
func (lp *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-lp.cfg.Deliveries:
			if !ok {
				return
			}
			if lp.handle(ctx, msg) {
				return
			}
		}
	}
}

// handle runs the full per-message pipeline from spec.md §4.E and reports
// whether the consumer has terminated (Cancelling -> Terminated).
func (lp *Loop) handle(ctx context.Context, msg Message) bool {
	// 1. Epoch gate (entry).
	if lp.cfg.EpochMgr.Stale(lp.cfg.Epoch) {
		return true
	}

	// 2. Delay.
	rc, ok := lp.cfg.Registry.Get(lp.cfg.Queue)
	lp.cfg.Sleep(lp.delayFor(rc, ok))

	// 3. Epoch gate (post-sleep).
	if lp.cfg.EpochMgr.Stale(lp.cfg.Epoch) {
		return true
	}

	// Re-read: pause/business-hours may have changed during the sleep.
	rc, ok = lp.cfg.Registry.Get(lp.cfg.Queue)
	if !ok {
		// Torn down (stopped) while this delivery was in flight.
		_ = msg.Nack(true)
		return true
	}

	// 4. Pause gate.
	if rc.Paused {
		_ = msg.Nack(true)
		metrics.MessagesNackedTotal.WithLabelValues(lp.cfg.Queue, "paused").Inc()
		return false
	}

	// 5. Hours gate.
	hour := lp.cfg.Clock().In(lp.cfg.Location).Hour()
	if !rc.WithinBusinessHours(hour) {
		_ = msg.Nack(true)
		metrics.MessagesNackedTotal.WithLabelValues(lp.cfg.Queue, "outside_hours").Inc()
		return false
	}

	// 6. Decode.
	var payload any
	if err := json.Unmarshal(msg.Body(), &payload); err != nil {
		lp.cfg.Logger.Warn("delivery: payload is not valid JSON, nacking",
			zap.String("queue", lp.cfg.Queue), zap.Error(err))
		_ = msg.Nack(true)
		metrics.MessagesNackedTotal.WithLabelValues(lp.cfg.Queue, "decode_error").Inc()
		return false
	}

	// 7. Forward.
	start := lp.cfg.Clock()
	outcome, status, err := lp.cfg.Webhook.Deliver(ctx, rc.Webhook, payload)
	metrics.WebhookDuration.WithLabelValues(lp.cfg.Queue).Observe(lp.cfg.Clock().Sub(start).Seconds())

	// Epoch gate (post-forward): the webhook call is a suspension point, so
	// neither the ack nor the nack below may reach a replaced channel.
	if lp.cfg.EpochMgr.Stale(lp.cfg.Epoch) {
		return true
	}

	if err != nil || outcome == webhook.TransportFailed {
		lp.cfg.Logger.Warn("delivery: webhook transport failure, nacking",
			zap.String("queue", lp.cfg.Queue), zap.Error(err))
		_ = msg.Nack(true)
		metrics.MessagesNackedTotal.WithLabelValues(lp.cfg.Queue, "transport_error").Inc()
		return false
	}
	if err := msg.Ack(); err != nil {
		lp.cfg.Logger.Warn("delivery: ack failed", zap.String("queue", lp.cfg.Queue), zap.Error(err))
	}
	metrics.MessagesForwardedTotal.WithLabelValues(lp.cfg.Queue, "delivered").Inc()
	lp.cfg.Logger.Debug("delivery: forwarded",
		zap.String("queue", lp.cfg.Queue), zap.Int("status", status))

	// 8. Record.
	lp.cfg.Registry.UpdateLast(lp.cfg.Queue, msg.Body())

	// 9. Epoch gate (post-ack).
	if lp.cfg.EpochMgr.Stale(lp.cfg.Epoch) {
		return true
	}

	// 10. Drain check.
	info, err := lp.cfg.Broker.CheckQueue(ctx, lp.cfg.Queue)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			lp.terminateDrained(ctx, rc)
			return true
		}
		lp.cfg.Logger.Warn("delivery: drain check failed, scheduling next delivery anyway",
			zap.String("queue", lp.cfg.Queue), zap.Error(err))
		lp.cfg.Registry.SetNextInterval(lp.cfg.Queue, lp.drawInterval(rc))
		return false
	}
	if info.MessageCount == 0 {
		lp.terminateDrained(ctx, rc)
		return true
	}

	// 11. Schedule next.
	lp.cfg.Registry.SetNextInterval(lp.cfg.Queue, lp.drawInterval(rc))
	return false
}

// terminateDrained performs the drain teardown: cancel the broker
// subscription, notify finish, and remove the queue from both Registry and
// Store. Both removals must happen — the pre-fix bug this guards against is
// omitting the Store delete, which made restarts "restore" vanished queues.
func (lp *Loop) terminateDrained(ctx context.Context, rc *domain.RuntimeConsumer) {
	if err := lp.cfg.Broker.Cancel(lp.cfg.Tag); err != nil {
		lp.cfg.Logger.Warn("delivery: cancel on drain failed", zap.String("queue", lp.cfg.Queue), zap.Error(err))
	}
	lp.cfg.Webhook.NotifyFinish(ctx, lp.cfg.FinishWebhookURL, lp.cfg.Queue, rc.LastMessage)
	lp.cfg.Registry.Remove(lp.cfg.Queue)
	if err := lp.cfg.Store.Delete(ctx, lp.cfg.Queue); err != nil {
		lp.cfg.Logger.Error("delivery: store delete on drain failed",
			zap.String("queue", lp.cfg.Queue), zap.Error(err))
	}
	metrics.QueuesDrainedTotal.Inc()
}

// delayFor resolves the sleep duration for this delivery: the consumer's
// pre-drawn nextIntervalMs if one exists, else a fresh draw (the first
// delivery after Subscribe has none).
func (lp *Loop) delayFor(rc *domain.RuntimeConsumer, ok bool) time.Duration {
	if !ok {
		return 0
	}
	if rc.NextIntervalMs > 0 {
		return time.Duration(rc.NextIntervalMs) * time.Millisecond
	}
	return time.Duration(lp.drawInterval(rc)) * time.Millisecond
}

// drawInterval implements nextIntervalMs = floor(U*(max-min+1)) + min. The
// +1 is intentional so the endpoint max is reachable.
func (lp *Loop) drawInterval(rc *domain.RuntimeConsumer) int64 {
	min, max := rc.MinIntervalMs, rc.MaxIntervalMs
	if max <= min {
		return min
	}
	u := lp.cfg.Rand()
	return int64(u*float64(max-min+1)) + min
}
