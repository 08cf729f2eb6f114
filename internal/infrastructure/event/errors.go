package event

import "errors"

// Publisher errors
var (
	ErrQueueFull           = errors.New("event queue is full")
	ErrPublisherNotRunning = errors.New("event publisher is not running")
	ErrPublisherRunning    = errors.New("event publisher is already running")
	ErrEmptyCoupleID       = errors.New("event has no couple ID")
)
