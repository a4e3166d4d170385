// Package broker implements the Broker Link: the component that owns
// exactly one AMQP connection and one channel, exposes the handful of
// channel operations the rest of the system needs, and turns the broker
// client library's callback/notification style into a single event stream
// the Reconnect Supervisor can select on.
//
// The Broker Link never reconnects itself — that is the Reconnect
// Supervisor's job (internal/supervisor). The Link only dials, watches, and
// reports.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// QueueInfo is the result of a successful CheckQueue.
type QueueInfo struct {
	MessageCount  int
	ConsumerCount int
}

// ErrNotFound is returned by CheckQueue and Subscribe when the broker
// reports the target queue does not exist (AMQP reply code 404).
var ErrNotFound = errors.New("broker: queue not found")

// Delivery wraps a single amqp091 delivery so the delivery loop never has
// to import the AMQP client library directly — it only needs Body/Ack/Nack.
type Delivery struct {
	raw amqp.Delivery
}

// Body returns the raw message payload.
func (d Delivery) Body() []byte { return d.raw.Body }

// Ack acknowledges the delivery.
func (d Delivery) Ack() error { return d.raw.Ack(false) }

// Nack rejects the delivery, optionally requeuing it.
func (d Delivery) Nack(requeue bool) error { return d.raw.Nack(false, requeue) }

// Link owns one *amqp.Connection and one *amqp.Channel.
type Link struct {
	url    string
	logger *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	gen  uint64 // invalidates the previous watch goroutine when bumped

	events chan Event
}

// New constructs an unconnected Link. Call Dial before using it.
func New(url string, logger *zap.Logger) *Link {
	return &Link{
		url:    url,
		logger: logger,
		events: make(chan Event, 16),
	}
}

// Events returns the lifecycle event stream. The Reconnect Supervisor is
// the sole reader.
func (l *Link) Events() <-chan Event {
	return l.events
}

// Dial establishes a brand new connection and channel, discarding any
// previous ones (best-effort close). Used for the initial connect and for
// a full reconnect.
func (l *Link) Dial(ctx context.Context) error {
	conn, err := amqp.DialConfig(l.url, amqp.Config{})
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("broker: qos: %w", err)
	}

	l.mu.Lock()
	l.closeLocked()
	l.conn = conn
	l.ch = ch
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	go l.watch(conn, ch, gen)

	l.logger.Info("broker: connected")
	return nil
}

// RecreateChannel opens a fresh channel on the existing connection — the
// cheap "channel-only recreation" path from spec.md §4.F. Fails if the
// connection itself is no longer usable.
func (l *Link) RecreateChannel(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("broker: recreate channel: connection is not open")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: recreate channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("broker: recreate channel: qos: %w", err)
	}

	l.mu.Lock()
	if l.ch != nil {
		l.ch.Close()
	}
	l.ch = ch
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	go l.watch(conn, ch, gen)

	l.logger.Info("broker: channel recreated")
	return nil
}

// watch funnels this generation's connection/channel close and cancel
// notifications into the shared Events channel. It exits as soon as a
// connection or channel close fires, since at that point the supervisor
// must step in and a new watch will be started by whatever
// Dial/RecreateChannel call fixes things. A consumer cancel leaves the
// channel usable, so watch reports it and keeps watching.
func (l *Link) watch(conn *amqp.Connection, ch *amqp.Channel, gen uint64) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	chCancelled := ch.NotifyCancel(make(chan string, 1))

	for {
		select {
		case amqpErr, ok := <-connClosed:
			if !ok || amqpErr == nil {
				return // graceful, intentional close — nothing to recover
			}
			l.emit(gen, Event{Kind: ConnectionClosed, Err: amqpErr})
			return

		case amqpErr, ok := <-chClosed:
			if !ok || amqpErr == nil {
				return
			}
			l.emit(gen, Event{Kind: ChannelClosed, Err: amqpErr, TransportHealthy: !conn.IsClosed()})
			return

		case tag, ok := <-chCancelled:
			if !ok {
				return
			}
			l.emit(gen, Event{Kind: ConsumerCancelled, ConsumerTag: tag})
		}
	}
}

// emit drops events from a stale generation (superseded by a later
// Dial/RecreateChannel) and otherwise forwards, never blocking the AMQP
// library's internal goroutine indefinitely.
func (l *Link) emit(gen uint64, ev Event) {
	l.mu.Lock()
	current := l.gen
	l.mu.Unlock()
	if gen != current {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("broker: event channel full, dropping event", zap.Int("kind", int(ev.Kind)))
	}
}

// IsHealthy reports whether both the connection and the channel are
// currently open — the /health endpoint's definition of "live".
func (l *Link) IsHealthy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && !l.conn.IsClosed() && l.ch != nil && !l.ch.IsClosed()
}

// CheckQueue reports the queue's message/consumer counts via a short-lived
// auxiliary channel, so a 404/406 protocol exception — which AMQP delivers
// as a channel close — never takes down the shared consuming channel.
func (l *Link) CheckQueue(ctx context.Context, queue string) (QueueInfo, error) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return QueueInfo{}, fmt.Errorf("broker: check queue: connection is not open")
	}

	aux, err := conn.Channel()
	if err != nil {
		return QueueInfo{}, fmt.Errorf("broker: check queue: open auxiliary channel: %w", err)
	}
	defer aux.Close()

	q, err := aux.QueueDeclarePassive(queue, false, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return QueueInfo{}, ErrNotFound
		}
		return QueueInfo{}, fmt.Errorf("broker: check queue: %w", err)
	}

	return QueueInfo{MessageCount: q.Messages, ConsumerCount: q.Consumers}, nil
}

// Subscribe starts consuming queue on the shared channel under the given
// caller-chosen consumer tag, returning a wrapped delivery stream for the
// Delivery Loop to range over. The tag is chosen by the caller (rather than
// left to the broker to assign) so it is known up front for a later
// Cancel, without relying on out-of-band tag propagation.
func (l *Link) Subscribe(ctx context.Context, queue, tag string) (<-chan Delivery, error) {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	if ch == nil {
		return nil, fmt.Errorf("broker: subscribe: channel is not open")
	}

	raw, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("broker: subscribe: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for d := range raw {
			out <- Delivery{raw: d}
		}
	}()
	return out, nil
}

// Cancel cancels a consumer by tag on the shared channel.
func (l *Link) Cancel(tag string) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("broker: cancel: channel is not open")
	}
	if err := ch.Cancel(tag, false); err != nil {
		return fmt.Errorf("broker: cancel: %w", err)
	}
	return nil
}

// Close shuts down the channel and connection (best effort) and stops the
// watcher from emitting further events by bumping the generation.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++ // orphan any in-flight watch goroutine
	return l.closeLocked()
}

func (l *Link) closeLocked() error {
	var firstErr error
	if l.ch != nil {
		if err := l.ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.ch = nil
	}
	if l.conn != nil {
		if err := l.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		l.conn = nil
	}
	return firstErr
}
