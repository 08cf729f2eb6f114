package cache

import (
	"context"
	"errors"

	"github.com/loventure/gateway/internal/domain/ticket"
)

// ErrProbeMismatch is returned when a health probe reads back a different value than it wrote.
var ErrProbeMismatch = errors.New("probe value mismatch")

// StoreStats describes the state of the backing store.
type StoreStats struct {
	Backend    string `json:"backend"`
	Keys       int64  `json:"keys"`
	TotalConns int64  `json:"totalConns"`
	IdleConns  int64  `json:"idleConns"`
	Hits       int64  `json:"hits"`
	Misses     int64  `json:"misses"`
	Timeouts   int64  `json:"timeouts"`
}

// Store is a ticket store that can also report its own health.
type Store interface {
	ticket.TicketStore
	Probe(ctx context.Context) error
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}
