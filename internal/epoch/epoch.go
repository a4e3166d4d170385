// Package epoch implements the process-wide channel-generation counter that
// neutralizes in-flight work belonging to a dead AMQP channel once a fresh
// one has been obtained.
package epoch

import (
	"sync/atomic"

	"github.com/relaymq/forwarder/internal/metrics"
)

// Manager is a monotonically increasing generation counter, initialized to
// 0 and incremented every time the Broker Link obtains a fresh channel
// (initial connect, full reconnect, or channel-only recreation).
type Manager struct {
	value atomic.Int64
}

// NewManager returns a Manager starting at epoch 0.
func NewManager() *Manager {
	return &Manager{}
}

// Current returns the epoch currently in effect.
func (m *Manager) Current() int64 {
	return m.value.Load()
}

// Bump increments the epoch and returns the new value. Called exactly once
// per fresh channel.
func (m *Manager) Bump() int64 {
	v := m.value.Add(1)
	metrics.CurrentEpoch.Set(float64(v))
	return v
}

// Stale reports whether capturedEpoch no longer matches Current — the gate
// every channel-facing operation in the delivery loop checks before acting.
func (m *Manager) Stale(capturedEpoch int64) bool {
	return capturedEpoch != m.Current()
}
