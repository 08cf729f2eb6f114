package ticket

import (
	"context"
	"time"
)

// FlushScope selects how much of the store a flush clears.
type FlushScope string

// Flush scopes
const (
	// FlushScopeNamespace clears the current logical database only.
	FlushScopeNamespace FlushScope = "db"
	// FlushScopeAll clears every database on the server, including unrelated keys.
	FlushScopeAll FlushScope = "all"
)

// ParseFlushScope parses a configured flush scope.
func ParseFlushScope(s string) (FlushScope, bool) {
	switch FlushScope(s) {
	case FlushScopeNamespace, FlushScopeAll:
		return FlushScope(s), true
	}
	return "", false
}

// TicketStore caches balances keyed by couple ID.
type TicketStore interface {
	// Get returns the cached balance or ErrBalanceNotFound.
	Get(ctx context.Context, coupleID string) (Balance, error)
	// Set stores b under b.CoupleID, last writer wins.
	Set(ctx context.Context, b Balance) error
	// SetIfAbsent stores b only when no balance is cached yet and reports whether it wrote.
	SetIfAbsent(ctx context.Context, b Balance) (bool, error)
	// Decrement atomically removes one ticket and stamps now.
	// It returns ErrNoTicketsRemaining without writing when the count is zero,
	// and ErrBalanceNotFound when nothing is cached.
	Decrement(ctx context.Context, coupleID string, now time.Time) (Balance, error)
	// Flush clears the whole namespace or the whole store.
	Flush(ctx context.Context, scope FlushScope) error
}

// BalanceSource fetches the authoritative balance for the caller identified by authToken.
type BalanceSource interface {
	FetchBalance(ctx context.Context, authToken string) (Balance, error)
}

// EventPublisher appends change records to the synchronization log.
type EventPublisher interface {
	Publish(ctx context.Context, event ChangeEvent) error
}
