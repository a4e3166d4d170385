// Package registry implements the in-memory Consumer Registry: the
// thread-safe source of truth for which queues are currently being
// consumed, mirrored against the durable Config Store by the layers above
// it.
package registry

import (
	"sync"

	"github.com/relaymq/forwarder/internal/domain"
	"github.com/relaymq/forwarder/internal/metrics"
)

// Registry is a thread-safe map of queue name to RuntimeConsumer.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*domain.RuntimeConsumer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{items: make(map[string]*domain.RuntimeConsumer)}
}

// Insert adds or replaces the RuntimeConsumer for queue.
func (r *Registry) Insert(rc *domain.RuntimeConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[rc.Queue] = rc
	metrics.ActiveConsumers.Set(float64(len(r.items)))
}

// Remove deletes the entry for queue, if present.
func (r *Registry) Remove(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, queue)
	metrics.ActiveConsumers.Set(float64(len(r.items)))
}

// Get returns the RuntimeConsumer for queue and whether it was found.
func (r *Registry) Get(queue string) (*domain.RuntimeConsumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.items[queue]
	return rc, ok
}

// Snapshot returns a copy of every RuntimeConsumer currently registered.
// The copies are safe to read without holding the registry lock.
func (r *Registry) Snapshot() []domain.RuntimeConsumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.RuntimeConsumer, 0, len(r.items))
	for _, rc := range r.items {
		out = append(out, *rc)
	}
	return out
}

// Clear removes every entry. Used by the Reconnect Supervisor immediately
// before replaying the Store into fresh RuntimeConsumers.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = make(map[string]*domain.RuntimeConsumer)
	metrics.ActiveConsumers.Set(0)
}

// SetPaused flips the runtime pause mirror for queue, if present. Reports
// whether the queue was found.
func (r *Registry) SetPaused(queue string, paused bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.items[queue]
	if !ok {
		return false
	}
	rc.Paused = paused
	return true
}

// UpdateLast records the last successfully forwarded payload for queue,
// leaving the next randomized interval untouched (drawn separately by
// SetNextInterval once the caller knows the queue is not draining). No-op
// if the queue is not present (e.g. it was torn down between send and
// record).
func (r *Registry) UpdateLast(queue string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.items[queue]
	if !ok {
		return
	}
	rc.LastMessage = payload
}

// SetNextInterval updates only the next randomized delay for queue, drawn
// by the Delivery Loop once it knows the current delivery is not draining
// the queue. No-op if the queue is not present.
func (r *Registry) SetNextInterval(queue string, nextIntervalMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.items[queue]
	if !ok {
		return
	}
	rc.NextIntervalMs = nextIntervalMs
}

// FindByTag returns the RuntimeConsumer currently holding the given broker
// consumer tag. Used by the Reconnect Supervisor to resolve a
// ConsumerCancelled event (which identifies the consumer only by tag) back
// to a queue.
func (r *Registry) FindByTag(tag string) (*domain.RuntimeConsumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rc := range r.items {
		if rc.BrokerTag == tag {
			return rc, true
		}
	}
	return nil, false
}

// Len reports the number of active consumers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
