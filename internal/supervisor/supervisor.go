// Package supervisor implements the Reconnect Supervisor: a single
// goroutine that consumes the Broker Link's lifecycle event stream and
// coordinates channel-only recreation versus full reconnect, bounded
// retry, process-exit on exhaustion, and post-reconnect restoration of
// every persisted consumer.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/broker"
	"github.com/relaymq/forwarder/internal/domain"
	"github.com/relaymq/forwarder/internal/epoch"
	"github.com/relaymq/forwarder/internal/metrics"
	"github.com/relaymq/forwarder/internal/registry"
)

const (
	fullReconnectDelay    = 5 * time.Second
	channelRecreateDelay  = 2 * time.Second
	defaultMaxReconnectsN = 10
)

// Link is the subset of the Broker Link the supervisor drives.
type Link interface {
	Dial(ctx context.Context) error
	RecreateChannel(ctx context.Context) error
	Close() error
}

// ConfigStore is the subset of the Config Store the supervisor needs.
type ConfigStore interface {
	LoadAll(ctx context.Context) ([]domain.ConsumerSpec, error)
	Delete(ctx context.Context, queue string) error
}

// ConsumerStarter subscribes to a queue and launches its Delivery Loop
// under the given epoch, applying the spec's paused flag immediately —
// before any delivery can be observed, so the first delivery cannot race
// past the pause gate.
type ConsumerStarter interface {
	Start(ctx context.Context, spec domain.ConsumerSpec, epoch int64) error
}

// WebhookNotifier is the subset of the webhook client the supervisor needs
// to fire the finish notification when the broker cancels a consumer
// directly (e.g. the queue was deleted out from under it).
type WebhookNotifier interface {
	NotifyFinish(ctx context.Context, url, queue string, lastMessage []byte)
}

// ExitFunc terminates the process with the given code. Production wires
// os.Exit; tests substitute a function that records the call.
type ExitFunc func(code int)

// Config wires a Supervisor.
type Config struct {
	Link             Link
	Events           <-chan broker.Event
	EpochMgr         *epoch.Manager
	Registry         *registry.Registry
	Store            ConfigStore
	Starter          ConsumerStarter
	Webhook          WebhookNotifier
	FinishWebhookURL string
	MaxAttempts      int
	Exit             ExitFunc
	Logger           *zap.Logger

	// Overridable for tests; default to the real delays.
	FullReconnectDelay   time.Duration
	ChannelRecreateDelay time.Duration
}

// Supervisor runs the Reconnect Supervisor state machine.
type Supervisor struct {
	cfg Config

	mu                sync.Mutex
	reconnectInFlight bool
	attempts          int
}

// New returns a ready-to-run Supervisor. Call Run in its own goroutine.
func New(cfg Config) *Supervisor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxReconnectsN
	}
	if cfg.FullReconnectDelay <= 0 {
		cfg.FullReconnectDelay = fullReconnectDelay
	}
	if cfg.ChannelRecreateDelay <= 0 {
		cfg.ChannelRecreateDelay = channelRecreateDelay
	}
	return &Supervisor{cfg: cfg}
}

// Run consumes lifecycle events until ctx is cancelled or the event stream
// closes (Broker Link shut down).
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.cfg.Events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev broker.Event) {
	switch ev.Kind {
	case broker.ConnectionClosed:
		s.cfg.Logger.Warn("supervisor: connection closed", zap.Error(ev.Err))
		go s.reconnect(ctx, s.cfg.FullReconnectDelay, true)

	case broker.ChannelClosed:
		s.cfg.Logger.Warn("supervisor: channel closed",
			zap.Error(ev.Err), zap.Bool("transportHealthy", ev.TransportHealthy))
		if ev.TransportHealthy {
			go s.reconnect(ctx, s.cfg.ChannelRecreateDelay, false)
		} else {
			go s.reconnect(ctx, s.cfg.FullReconnectDelay, true)
		}

	case broker.ConsumerCancelled:
		s.handleCancelled(ctx, ev.ConsumerTag)
	}
}

// handleCancelled implements the ConsumerCancelled transition: locate the
// matching RuntimeConsumer by broker tag, notify finish, and purge it from
// both Registry and Store. No reconnect follows — the channel itself is
// still healthy.
func (s *Supervisor) handleCancelled(ctx context.Context, tag string) {
	rc, ok := s.cfg.Registry.FindByTag(tag)
	if !ok {
		s.cfg.Logger.Warn("supervisor: cancel event for unknown consumer tag", zap.String("tag", tag))
		return
	}
	s.cfg.Webhook.NotifyFinish(ctx, s.cfg.FinishWebhookURL, rc.Queue, rc.LastMessage)
	s.cfg.Registry.Remove(rc.Queue)
	if err := s.cfg.Store.Delete(ctx, rc.Queue); err != nil {
		s.cfg.Logger.Error("supervisor: store delete after broker cancel failed",
			zap.String("queue", rc.Queue), zap.Error(err))
	}
}

// reconnect implements the reconnect procedure from spec.md §4.F. full
// selects between a fresh Dial (ConnectionClosed, or ChannelClosed with a
// broken transport) and a cheap RecreateChannel (ChannelClosed with the
// connection still healthy).
func (s *Supervisor) reconnect(ctx context.Context, delay time.Duration, full bool) {
	s.mu.Lock()
	if s.reconnectInFlight {
		s.mu.Unlock()
		return
	}
	s.reconnectInFlight = true
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	if attempts >= s.cfg.MaxAttempts {
		s.cfg.Logger.Error("supervisor: max reconnect attempts exhausted, exiting",
			zap.Int("attempts", attempts), zap.Int("max", s.cfg.MaxAttempts))
		_ = s.cfg.Link.Close()
		s.cfg.Exit(1)
		return
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	var err error
	if full {
		metrics.ReconnectAttemptsTotal.WithLabelValues("full").Inc()
		err = s.cfg.Link.Dial(ctx)
	} else {
		metrics.ReconnectAttemptsTotal.WithLabelValues("channel_only").Inc()
		err = s.cfg.Link.RecreateChannel(ctx)
	}
	if err != nil {
		s.cfg.Logger.Warn("supervisor: reconnect attempt failed",
			zap.Bool("full", full), zap.Int("attempts", attempts), zap.Error(err))
		s.mu.Lock()
		s.reconnectInFlight = false
		s.mu.Unlock()
		go s.reconnect(ctx, delay, full)
		return
	}

	s.restore(ctx, full)
}

// restore performs steps 5-8 of the reconnect procedure: bump the epoch,
// clear the registry, and replay every persisted spec as a fresh
// RuntimeConsumer under the new epoch, applying paused immediately.
func (s *Supervisor) restore(ctx context.Context, full bool) {
	newEpoch := s.cfg.EpochMgr.Bump()
	s.cfg.Registry.Clear()

	specs, err := s.cfg.Store.LoadAll(ctx)
	if err != nil {
		// LoadAll failures are fatal via the store's own exit hook; there is
		// nothing more for the supervisor to do but stop claiming to be mid-
		// reconnect, in case the store's exit hook is itself only a test stub.
		s.cfg.Logger.Error("supervisor: load all failed during restoration", zap.Error(err))
		s.mu.Lock()
		s.reconnectInFlight = false
		s.mu.Unlock()
		return
	}

	for _, spec := range specs {
		if err := s.cfg.Starter.Start(ctx, spec, newEpoch); err != nil {
			if errors.Is(err, broker.ErrNotFound) {
				s.cfg.Logger.Info("supervisor: queue no longer exists on broker, purging store row",
					zap.String("queue", spec.Queue))
				if derr := s.cfg.Store.Delete(ctx, spec.Queue); derr != nil {
					s.cfg.Logger.Error("supervisor: purge of vanished queue failed",
						zap.String("queue", spec.Queue), zap.Error(derr))
				}
				continue
			}
			s.cfg.Logger.Error("supervisor: failed to restore consumer",
				zap.String("queue", spec.Queue), zap.Error(err))
			continue
		}
	}

	s.mu.Lock()
	s.attempts = 0
	s.reconnectInFlight = false
	s.mu.Unlock()

	s.cfg.Logger.Info("supervisor: reconnect complete", zap.Int64("epoch", newEpoch), zap.Bool("full", full))
}
