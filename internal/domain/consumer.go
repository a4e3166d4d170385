// Package domain holds the types shared across the forwarder: the durable
// consumer specification, its in-memory runtime counterpart, and the
// validation rules applied at every entry point that can create or mutate
// one.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConsumerSpec is the durable, per-queue configuration. It is unique by
// Queue and is the row shape persisted by the Config Store.
type ConsumerSpec struct {
	Queue              string    `json:"queue"`
	Webhook            string    `json:"webhook"`
	MinIntervalMs      int64     `json:"minInterval"`
	MaxIntervalMs      int64     `json:"maxInterval"`
	BusinessHoursStart int       `json:"businessHoursStart"`
	BusinessHoursEnd   int       `json:"businessHoursEnd"`
	Paused             bool      `json:"paused"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// RuntimeConsumer is the in-memory record of an actively consumed queue. It
// carries a copy of the spec plus fields that only exist while the consumer
// is live.
type RuntimeConsumer struct {
	ConsumerSpec

	BrokerTag      string
	Epoch          int64
	LastMessage    []byte // raw decoded JSON payload, nil if none forwarded yet
	NextIntervalMs int64
}

// DefaultMinIntervalMs and DefaultMaxIntervalMs are applied by the control
// API when a /consume request omits interval bounds.
const (
	DefaultMinIntervalMs = 30000
	DefaultMaxIntervalMs = 110000
	DefaultHoursStart    = 8
	DefaultHoursEnd      = 21
)

// Validate checks the fields required of any ConsumerSpec regardless of
// where it originates (HTTP request or a row loaded from the store). It
// does not touch CreatedAt/UpdatedAt, which are store-maintained.
func (s *ConsumerSpec) Validate() error {
	if strings.TrimSpace(s.Queue) == "" {
		return fmt.Errorf("%w: queue must be non-empty", ErrInvalidSpec)
	}
	if !strings.HasPrefix(s.Webhook, "http") {
		return fmt.Errorf("%w: webhook must be an absolute http(s) URL", ErrInvalidSpec)
	}
	if s.MinIntervalMs < 0 || s.MaxIntervalMs < 0 {
		return fmt.Errorf("%w: intervals must be non-negative", ErrInvalidSpec)
	}
	if s.MinIntervalMs > s.MaxIntervalMs {
		return fmt.Errorf("%w: minInterval must be <= maxInterval", ErrInvalidSpec)
	}
	if s.BusinessHoursStart < 0 || s.BusinessHoursStart > 24 || s.BusinessHoursEnd < 0 || s.BusinessHoursEnd > 24 {
		return fmt.Errorf("%w: business hours must be within [0,24]", ErrInvalidSpec)
	}
	if s.BusinessHoursStart > s.BusinessHoursEnd {
		return fmt.Errorf("%w: businessHours.start must be <= businessHours.end", ErrInvalidSpec)
	}
	return nil
}

// WithinBusinessHours reports whether hour (0-23, in the configured
// timezone) falls inside the half-open window [start, end).
func (s *ConsumerSpec) WithinBusinessHours(hour int) bool {
	return hour >= s.BusinessHoursStart && hour < s.BusinessHoursEnd
}

// NewRuntimeConsumer builds a RuntimeConsumer from a persisted spec at the
// moment it starts being consumed under the given epoch.
func NewRuntimeConsumer(spec ConsumerSpec, brokerTag string, epoch int64) *RuntimeConsumer {
	return &RuntimeConsumer{
		ConsumerSpec: spec,
		BrokerTag:    brokerTag,
		Epoch:        epoch,
	}
}
