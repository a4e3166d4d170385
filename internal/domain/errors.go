package domain

import "errors"

var (
	// ErrInvalidSpec is returned (wrapped) when a ConsumerSpec fails validation.
	ErrInvalidSpec = errors.New("invalid consumer spec")

	// ErrAlreadyConsuming is returned when /consume targets a queue that
	// already has an active RuntimeConsumer.
	ErrAlreadyConsuming = errors.New("queue is already being consumed")

	// ErrNotConsuming is returned when pause/resume/stop target a queue with
	// no active RuntimeConsumer.
	ErrNotConsuming = errors.New("queue is not currently being consumed")

	// ErrAlreadyPaused / ErrNotPaused guard redundant pause/resume calls.
	ErrAlreadyPaused = errors.New("queue is already paused")
	ErrNotPaused     = errors.New("queue is not paused")

	// ErrQueueNotFound is returned when the broker reports the queue does
	// not exist.
	ErrQueueNotFound = errors.New("queue does not exist on broker")
)
