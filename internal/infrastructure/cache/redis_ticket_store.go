// Package cache provides the ticket balance cache backed by Redis or memory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is the key namespace shared with the backend.
const DefaultKeyPrefix = "coupleId:"

const probeKeyPrefix = "health:probe:"

// decrementScript removes one ticket if any remain.
// The count may be stored under any of the historical field names; the rewrite always
// stores coupleId as a string under the canonical layout.
// Returns {1, new} on success, {0, current} when exhausted, {-1, ""} when missing,
// and {-2, reason} when the cached value cannot be interpreted.
var decrementScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return {-1, ''}
end
local ok, b = pcall(cjson.decode, raw)
if not ok or type(b) ~= 'table' then
  return {-2, 'cached value is not a JSON object'}
end
local n = tonumber(b['ticket'])
if n == nil then n = tonumber(b['ticketCount']) end
if n == nil then n = tonumber(b['tickat']) end
if n == nil or n < 0 or n ~= math.floor(n) then
  return {-2, 'cached ticket count is not a non-negative integer'}
end
if n == 0 then
  return {0, raw}
end
local encoded = cjson.encode({coupleId = ARGV[1], ticket = n - 1, lastSyncedAt = ARGV[2]})
local ttl = tonumber(ARGV[3])
if ttl and ttl > 0 then
  redis.call('SET', KEYS[1], encoded, 'PX', ttl)
else
  redis.call('SET', KEYS[1], encoded)
end
return {1, encoded}
`)

// RedisTicketStore implements ticket.TicketStore on Redis string keys holding JSON.
type RedisTicketStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisTicketStoreOption configures a RedisTicketStore.
type RedisTicketStoreOption func(*RedisTicketStore)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) RedisTicketStoreOption {
	return func(s *RedisTicketStore) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithBalanceTTL expires cached balances after ttl. Zero keeps them until flushed.
func WithBalanceTTL(ttl time.Duration) RedisTicketStoreOption {
	return func(s *RedisTicketStore) {
		s.ttl = ttl
	}
}

// NewRedisTicketStore creates a store on an existing client.
func NewRedisTicketStore(client *redis.Client, opts ...RedisTicketStoreOption) *RedisTicketStore {
	s := &RedisTicketStore{
		client:    client,
		keyPrefix: DefaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisTicketStore) key(coupleID string) string {
	return s.keyPrefix + coupleID
}

// Get returns the cached balance, coercing legacy shapes.
func (s *RedisTicketStore) Get(ctx context.Context, coupleID string) (ticket.Balance, error) {
	raw, err := s.client.Get(ctx, s.key(coupleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ticket.Balance{}, ticket.ErrBalanceNotFound
	}
	if err != nil {
		return ticket.Balance{}, fmt.Errorf("failed to get ticket balance: %w", err)
	}

	b, err := ticket.DecodeBalance(raw)
	if err != nil {
		return ticket.Balance{}, fmt.Errorf("failed to decode ticket balance for %s: %w", coupleID, err)
	}
	return b.WithCoupleID(coupleID), nil
}

// Set stores the balance, last writer wins.
func (s *RedisTicketStore) Set(ctx context.Context, b ticket.Balance) error {
	data, err := b.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode ticket balance: %w", err)
	}
	if err := s.client.Set(ctx, s.key(b.CoupleID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set ticket balance: %w", err)
	}
	return nil
}

// SetIfAbsent stores the balance only when the key does not exist yet.
func (s *RedisTicketStore) SetIfAbsent(ctx context.Context, b ticket.Balance) (bool, error) {
	data, err := b.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("failed to encode ticket balance: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(b.CoupleID), data, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set ticket balance: %w", err)
	}
	return ok, nil
}

// Decrement atomically removes one ticket using a server-side script.
func (s *RedisTicketStore) Decrement(ctx context.Context, coupleID string, now time.Time) (ticket.Balance, error) {
	res, err := decrementScript.Run(ctx, s.client,
		[]string{s.key(coupleID)},
		coupleID,
		now.Format(ticket.TimeLayout),
		strconv.FormatInt(s.ttl.Milliseconds(), 10),
	).Slice()
	if err != nil {
		return ticket.Balance{}, fmt.Errorf("failed to decrement ticket balance: %w", err)
	}
	if len(res) != 2 {
		return ticket.Balance{}, fmt.Errorf("failed to decrement ticket balance: unexpected reply %v", res)
	}

	status, _ := res[0].(int64)
	payload, _ := res[1].(string)

	switch status {
	case 1:
		b, err := ticket.DecodeBalance([]byte(payload))
		if err != nil {
			return ticket.Balance{}, fmt.Errorf("failed to decode decremented balance: %w", err)
		}
		return b.WithCoupleID(coupleID), nil
	case 0:
		b, err := ticket.DecodeBalance([]byte(payload))
		if err != nil {
			return ticket.Balance{}, fmt.Errorf("failed to decode exhausted balance: %w", err)
		}
		return b.WithCoupleID(coupleID), ticket.ErrNoTicketsRemaining
	case -1:
		return ticket.Balance{}, ticket.ErrBalanceNotFound
	default:
		return ticket.Balance{}, fmt.Errorf("%w: %s", ticket.ErrMalformedBalance, payload)
	}
}

// Flush clears the current database or the whole server.
func (s *RedisTicketStore) Flush(ctx context.Context, scope ticket.FlushScope) error {
	var err error
	switch scope {
	case ticket.FlushScopeNamespace:
		err = s.client.FlushDB(ctx).Err()
	case ticket.FlushScopeAll:
		err = s.client.FlushAll(ctx).Err()
	default:
		return fmt.Errorf("unknown flush scope %q", scope)
	}
	if err != nil {
		return fmt.Errorf("failed to flush redis (%s): %w", scope, err)
	}
	return nil
}

// Probe performs a write/read/delete round trip against the server.
func (s *RedisTicketStore) Probe(ctx context.Context) error {
	key := probeKeyPrefix + uuid.NewString()
	value := strconv.FormatInt(time.Now().UnixNano(), 10)

	if err := s.client.Set(ctx, key, value, 10*time.Second).Err(); err != nil {
		return fmt.Errorf("failed to write probe key: %w", err)
	}
	defer s.client.Del(context.WithoutCancel(ctx), key)

	got, err := s.client.Get(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to read probe key: %w", err)
	}
	if got != value {
		return fmt.Errorf("%w: expected %q, got %q", ErrProbeMismatch, value, got)
	}
	return nil
}

// Stats reports connection and key count information.
func (s *RedisTicketStore) Stats(ctx context.Context) (StoreStats, error) {
	keys, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return StoreStats{}, fmt.Errorf("failed to read db size: %w", err)
	}
	ps := s.client.PoolStats()
	return StoreStats{
		Backend:    "redis",
		Keys:       keys,
		TotalConns: int64(ps.TotalConns),
		IdleConns:  int64(ps.IdleConns),
		Hits:       int64(ps.Hits),
		Misses:     int64(ps.Misses),
		Timeouts:   int64(ps.Timeouts),
	}, nil
}

// Close closes the Redis client
func (s *RedisTicketStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying Redis client (for sharing with the stream publisher)
func (s *RedisTicketStore) GetClient() *redis.Client {
	return s.client
}

// Ensure RedisTicketStore implements TicketStore
var _ Store = (*RedisTicketStore)(nil)
