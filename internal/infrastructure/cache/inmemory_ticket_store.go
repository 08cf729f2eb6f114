package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loventure/gateway/internal/domain/ticket"
)

// memEntry is a stored JSON value with optional expiration
type memEntry struct {
	raw       []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// InMemoryTicketStore implements the ticket store with a mutex-guarded map.
// Values are kept in their JSON form so reads go through the same coercion as Redis.
// This is suitable for single-instance deployments and testing
type InMemoryTicketStore struct {
	mu        sync.Mutex
	entries   map[string]memEntry
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewInMemoryTicketStore creates a new in-memory ticket store
func NewInMemoryTicketStore(ttl time.Duration) *InMemoryTicketStore {
	return &InMemoryTicketStore{
		entries:   make(map[string]memEntry),
		keyPrefix: DefaultKeyPrefix,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (s *InMemoryTicketStore) key(coupleID string) string {
	return s.keyPrefix + coupleID
}

// lookup returns the live entry for key. Caller must hold mu.
func (s *InMemoryTicketStore) lookup(key string) (memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// store writes raw under key. Caller must hold mu.
func (s *InMemoryTicketStore) store(key string, raw []byte) {
	e := memEntry{raw: raw}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.entries[key] = e
}

// Get returns the cached balance.
func (s *InMemoryTicketStore) Get(_ context.Context, coupleID string) (ticket.Balance, error) {
	s.mu.Lock()
	e, ok := s.lookup(s.key(coupleID))
	s.mu.Unlock()
	if !ok {
		return ticket.Balance{}, ticket.ErrBalanceNotFound
	}

	b, err := ticket.DecodeBalance(e.raw)
	if err != nil {
		return ticket.Balance{}, fmt.Errorf("failed to decode ticket balance for %s: %w", coupleID, err)
	}
	return b.WithCoupleID(coupleID), nil
}

// Set stores the balance, last writer wins.
func (s *InMemoryTicketStore) Set(_ context.Context, b ticket.Balance) error {
	data, err := b.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode ticket balance: %w", err)
	}
	s.mu.Lock()
	s.store(s.key(b.CoupleID), data)
	s.mu.Unlock()
	return nil
}

// SetIfAbsent stores the balance only when nothing is cached.
func (s *InMemoryTicketStore) SetIfAbsent(_ context.Context, b ticket.Balance) (bool, error) {
	data, err := b.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("failed to encode ticket balance: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(b.CoupleID)
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.store(key, data)
	return true, nil
}

// Decrement removes one ticket under the store lock.
func (s *InMemoryTicketStore) Decrement(_ context.Context, coupleID string, now time.Time) (ticket.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(coupleID)
	e, ok := s.lookup(key)
	if !ok {
		return ticket.Balance{}, ticket.ErrBalanceNotFound
	}

	current, err := ticket.DecodeBalance(e.raw)
	if err != nil {
		return ticket.Balance{}, fmt.Errorf("failed to decode ticket balance for %s: %w", coupleID, err)
	}
	current = current.WithCoupleID(coupleID)

	updated, err := current.Consume(now)
	if err != nil {
		return current, err
	}

	data, err := updated.MarshalJSON()
	if err != nil {
		return ticket.Balance{}, fmt.Errorf("failed to encode ticket balance: %w", err)
	}
	s.store(key, data)
	return updated, nil
}

// Flush clears every entry. Both scopes are equivalent for a single map.
func (s *InMemoryTicketStore) Flush(_ context.Context, scope ticket.FlushScope) error {
	if _, ok := ticket.ParseFlushScope(string(scope)); !ok {
		return fmt.Errorf("unknown flush scope %q", scope)
	}
	s.mu.Lock()
	s.entries = make(map[string]memEntry)
	s.mu.Unlock()
	return nil
}

// SetRaw stores an arbitrary payload for a couple, bypassing encoding.
// It lets callers seed values written by other producers.
func (s *InMemoryTicketStore) SetRaw(coupleID string, raw []byte) {
	s.mu.Lock()
	s.store(s.key(coupleID), append([]byte(nil), raw...))
	s.mu.Unlock()
}

// Raw returns the stored payload for a couple.
func (s *InMemoryTicketStore) Raw(coupleID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(s.key(coupleID))
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.raw...), true
}

// Probe always succeeds for a live process.
func (s *InMemoryTicketStore) Probe(_ context.Context) error {
	return nil
}

// Stats reports the number of live entries.
func (s *InMemoryTicketStore) Stats(_ context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var live int64
	for _, e := range s.entries {
		if !e.expired(now) {
			live++
		}
	}
	return StoreStats{Backend: "memory", Keys: live}, nil
}

// Close is a no-op.
func (s *InMemoryTicketStore) Close() error {
	return nil
}

// Ensure InMemoryTicketStore implements Store
var _ Store = (*InMemoryTicketStore)(nil)
