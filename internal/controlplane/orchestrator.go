// Package controlplane implements the Control API adapter: the thin
// translation layer between the HTTP surface and the Registry/Store/Broker
// Link/Epoch Manager core. internal/api/http depends only on Orchestrator,
// never on the core components directly — mirrors the teacher's
// usecase-layer indirection between its delivery/http handlers and its
// repository layer.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/broker"
	"github.com/relaymq/forwarder/internal/delivery"
	"github.com/relaymq/forwarder/internal/domain"
	"github.com/relaymq/forwarder/internal/epoch"
	"github.com/relaymq/forwarder/internal/registry"
	"github.com/relaymq/forwarder/internal/webhook"
)

// ConfigStore is the subset of the Config Store the orchestrator needs.
type ConfigStore interface {
	Upsert(ctx context.Context, spec domain.ConsumerSpec) error
	Delete(ctx context.Context, queue string) error
	SetPaused(ctx context.Context, queue string, paused bool) error
}

// Link is the subset of the Broker Link the orchestrator needs.
type Link interface {
	Subscribe(ctx context.Context, queue, tag string) (<-chan broker.Delivery, error)
	CheckQueue(ctx context.Context, queue string) (broker.QueueInfo, error)
	Cancel(tag string) error
	IsHealthy() bool
}

// Config wires an Orchestrator. Webhook is the concrete client rather than
// an interface: the orchestrator both calls NotifyFinish itself (Stop) and
// hands the whole client to every Delivery Loop it starts, which needs
// Deliver too.
type Config struct {
	Store            ConfigStore
	Registry         *registry.Registry
	Link             Link
	EpochMgr         *epoch.Manager
	Webhook          *webhook.Client
	FinishWebhookURL string
	Location         *time.Location
	Logger           *zap.Logger
	// LoopContext bounds the lifetime of every Delivery Loop goroutine this
	// orchestrator spawns; cancelling it is part of graceful shutdown.
	LoopContext context.Context
}

// Orchestrator is the Control API adapter (component G).
type Orchestrator struct {
	cfg    Config
	tagSeq atomic.Uint64
}

// New returns a ready-to-use Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LoopContext == nil {
		cfg.LoopContext = context.Background()
	}
	return &Orchestrator{cfg: cfg}
}

// Start subscribes to spec.Queue and launches its Delivery Loop under the
// given epoch, applying spec.Paused immediately on the RuntimeConsumer
// before the loop ever observes a delivery. It implements
// supervisor.ConsumerStarter, and is also the common path /consume uses to
// start a brand-new consumer.
func (o *Orchestrator) Start(ctx context.Context, spec domain.ConsumerSpec, ep int64) error {
	tag := o.nextTag(spec.Queue)

	raw, err := o.cfg.Link.Subscribe(ctx, spec.Queue, tag)
	if err != nil {
		return err // may be broker.ErrNotFound; callers check with errors.Is
	}

	rc := domain.NewRuntimeConsumer(spec, tag, ep)
	rc.Paused = spec.Paused
	o.cfg.Registry.Insert(rc)

	loop := delivery.New(delivery.Config{
		Queue:            spec.Queue,
		Tag:              tag,
		Epoch:            ep,
		Deliveries:       toMessages(raw),
		EpochMgr:         o.cfg.EpochMgr,
		Registry:         o.cfg.Registry,
		Broker:           o.cfg.Link,
		Store:            o.cfg.Store,
		Webhook:          o.cfg.Webhook,
		FinishWebhookURL: o.cfg.FinishWebhookURL,
		Location:         o.cfg.Location,
		Logger:           o.cfg.Logger,
	})
	go loop.Run(o.cfg.LoopContext)

	return nil
}

// toMessages adapts a broker.Delivery stream to the delivery.Message
// interface the loop consumes; broker.Delivery satisfies it structurally,
// but Go channel types are invariant so the element must be re-sent.
func toMessages(in <-chan broker.Delivery) <-chan delivery.Message {
	out := make(chan delivery.Message)
	go func() {
		defer close(out)
		for d := range in {
			out <- d
		}
	}()
	return out
}

func (o *Orchestrator) nextTag(queue string) string {
	return fmt.Sprintf("forwarder-%s-%d", queue, o.tagSeq.Add(1))
}

// Consume validates spec, persists it, and starts consuming it under the
// current epoch. A 404 from the broker at subscribe time purges the row
// that was just written, so the store never carries a spec for a queue
// known not to exist.
func (o *Orchestrator) Consume(ctx context.Context, spec domain.ConsumerSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, ok := o.cfg.Registry.Get(spec.Queue); ok {
		return domain.ErrAlreadyConsuming
	}

	if err := o.cfg.Store.Upsert(ctx, spec); err != nil {
		return err
	}

	if err := o.Start(ctx, spec, o.cfg.EpochMgr.Current()); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			_ = o.cfg.Store.Delete(ctx, spec.Queue)
			return domain.ErrQueueNotFound
		}
		return err
	}
	return nil
}

// ActiveQueueView is the per-queue summary returned by /active-queues.
type ActiveQueueView struct {
	Queue               string  `json:"queue"`
	MessageCount        int     `json:"messageCount"`
	AvgIntervalSeconds  float64 `json:"avgIntervalSeconds"`
	EstimatedCompletion string  `json:"estimatedCompletion"`
}

// ActiveQueues snapshots the Registry and annotates each entry with its
// live broker message count and an estimated time to completion that
// ignores the pause and hours gates, per spec.md §6.
func (o *Orchestrator) ActiveQueues(ctx context.Context) []ActiveQueueView {
	snap := o.cfg.Registry.Snapshot()
	views := make([]ActiveQueueView, 0, len(snap))
	for _, rc := range snap {
		messageCount := 0
		if info, err := o.cfg.Link.CheckQueue(ctx, rc.Queue); err == nil {
			messageCount = info.MessageCount
		}
		avg := float64(rc.MinIntervalMs+rc.MaxIntervalMs) / 2 / 1000
		views = append(views, ActiveQueueView{
			Queue:               rc.Queue,
			MessageCount:        messageCount,
			AvgIntervalSeconds:  avg,
			EstimatedCompletion: formatHMS(avg * float64(messageCount)),
		})
	}
	return views
}

// QueueInfoView is the per-queue detail returned by /queue-info/:queue.
type QueueInfoView struct {
	MessageCount  int  `json:"messageCount"`
	ConsumerCount int  `json:"consumerCount"`
	IsActive      bool `json:"isActive"`
}

// QueueInfo reports the live broker state of queue, whether or not it is
// currently being consumed by this process.
func (o *Orchestrator) QueueInfo(ctx context.Context, queue string) (QueueInfoView, error) {
	info, err := o.cfg.Link.CheckQueue(ctx, queue)
	if err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return QueueInfoView{}, domain.ErrQueueNotFound
		}
		return QueueInfoView{}, err
	}
	_, isActive := o.cfg.Registry.Get(queue)
	return QueueInfoView{
		MessageCount:  info.MessageCount,
		ConsumerCount: info.ConsumerCount,
		IsActive:      isActive,
	}, nil
}

// QueueInfoResult is one element of the /queues-info response array.
type QueueInfoResult struct {
	Queue         string `json:"queue"`
	MessageCount  int    `json:"messageCount,omitempty"`
	ConsumerCount int    `json:"consumerCount,omitempty"`
	IsActive      bool   `json:"isActive,omitempty"`
	Error         string `json:"error,omitempty"`
}

// QueuesInfo is QueueInfo applied to each of queues, carrying a per-element
// error rather than failing the whole request.
func (o *Orchestrator) QueuesInfo(ctx context.Context, queues []string) []QueueInfoResult {
	results := make([]QueueInfoResult, 0, len(queues))
	for _, q := range queues {
		view, err := o.QueueInfo(ctx, q)
		if err != nil {
			results = append(results, QueueInfoResult{Queue: q, Error: err.Error()})
			continue
		}
		results = append(results, QueueInfoResult{
			Queue: q, MessageCount: view.MessageCount, ConsumerCount: view.ConsumerCount, IsActive: view.IsActive,
		})
	}
	return results
}

// Pause persists paused=true and mirrors it onto the live RuntimeConsumer.
// Persistence happens first, satisfying invariant 5: a pause transition
// returned as success by the API must already be durable.
func (o *Orchestrator) Pause(ctx context.Context, queue string) error {
	rc, ok := o.cfg.Registry.Get(queue)
	if !ok {
		return domain.ErrNotConsuming
	}
	if rc.Paused {
		return domain.ErrAlreadyPaused
	}
	if err := o.cfg.Store.SetPaused(ctx, queue, true); err != nil {
		return err
	}
	o.cfg.Registry.SetPaused(queue, true)
	return nil
}

// Resume is the Pause mirror image.
func (o *Orchestrator) Resume(ctx context.Context, queue string) error {
	rc, ok := o.cfg.Registry.Get(queue)
	if !ok {
		return domain.ErrNotConsuming
	}
	if !rc.Paused {
		return domain.ErrNotPaused
	}
	if err := o.cfg.Store.SetPaused(ctx, queue, false); err != nil {
		return err
	}
	o.cfg.Registry.SetPaused(queue, false)
	return nil
}

// Stop cancels the broker subscription, fires the finish notification, and
// removes queue from both Registry and Store — the same teardown the
// Delivery Loop performs on drain, triggered explicitly instead.
func (o *Orchestrator) Stop(ctx context.Context, queue string) error {
	rc, ok := o.cfg.Registry.Get(queue)
	if !ok {
		return domain.ErrNotConsuming
	}
	if err := o.cfg.Link.Cancel(rc.BrokerTag); err != nil {
		o.cfg.Logger.Warn("controlplane: cancel on stop failed", zap.String("queue", queue), zap.Error(err))
	}
	o.cfg.Webhook.NotifyFinish(ctx, o.cfg.FinishWebhookURL, queue, rc.LastMessage)
	o.cfg.Registry.Remove(queue)
	return o.cfg.Store.Delete(ctx, queue)
}

// Healthy reports whether the Broker Link currently has both a live
// connection and a live channel — the /health endpoint's definition of
// live.
func (o *Orchestrator) Healthy() bool {
	return o.cfg.Link.IsHealthy()
}

func formatHMS(totalSeconds float64) string {
	total := int64(totalSeconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}
