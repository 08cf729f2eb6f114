package cache

import (
	"context"
	"fmt"

	"github.com/loventure/gateway/internal/infrastructure/config"
	"go.uber.org/zap"
)

// TicketStoreFactory creates ticket stores based on configuration
type TicketStoreFactory struct {
	redisConfig           config.RedisConfig
	logger                *zap.Logger
	allowInMemoryFallback bool
}

// TicketStoreFactoryOption is a functional option for configuring the factory
type TicketStoreFactoryOption func(*TicketStoreFactory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) TicketStoreFactoryOption {
	return func(f *TicketStoreFactory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether to fall back to the in-memory store when Redis is unavailable
func WithInMemoryFallback(allow bool) TicketStoreFactoryOption {
	return func(f *TicketStoreFactory) {
		f.allowInMemoryFallback = allow
	}
}

// NewTicketStoreFactory creates a new factory
func NewTicketStoreFactory(cfg config.RedisConfig, opts ...TicketStoreFactoryOption) *TicketStoreFactory {
	f := &TicketStoreFactory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: cfg.AllowInMemoryFallback,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateRedisStore connects to Redis and creates a Redis-backed ticket store
func (f *TicketStoreFactory) CreateRedisStore(ctx context.Context) (*RedisTicketStore, error) {
	client, err := NewRedisClient(ctx, RedisConfig{
		Host:         f.redisConfig.Host,
		Port:         f.redisConfig.Port,
		Password:     f.redisConfig.Password,
		DB:           f.redisConfig.DB,
		PoolSize:     f.redisConfig.PoolSize,
		DialTimeout:  f.redisConfig.DialTimeout,
		ReadTimeout:  f.redisConfig.ReadTimeout,
		WriteTimeout: f.redisConfig.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis ticket store: %w", err)
	}

	return NewRedisTicketStore(client,
		WithKeyPrefix(f.redisConfig.KeyPrefix),
		WithBalanceTTL(f.redisConfig.BalanceTTL),
	), nil
}

// CreateInMemoryStore creates an in-memory ticket store
// WARNING: In-memory stores do not share balances across gateway instances,
// so each instance would grant tickets independently
func (f *TicketStoreFactory) CreateInMemoryStore() *InMemoryTicketStore {
	store := NewInMemoryTicketStore(f.redisConfig.BalanceTTL)
	if f.redisConfig.KeyPrefix != "" {
		store.keyPrefix = f.redisConfig.KeyPrefix
	}
	return store
}

// CreateStore creates a ticket store, preferring Redis and falling back to memory
// only when fallback is allowed
func (f *TicketStoreFactory) CreateStore(ctx context.Context) (Store, error) {
	store, err := f.CreateRedisStore(ctx)
	if err == nil {
		f.logger.Info("using Redis ticket store",
			zap.String("addr", fmt.Sprintf("%s:%d", f.redisConfig.Host, f.redisConfig.Port)),
			zap.Int("db", f.redisConfig.DB),
		)
		return store, nil
	}

	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for ticket store but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, falling back to in-memory ticket store. "+
		"Balances will not be shared across gateway instances.",
		zap.Error(err),
	)
	return f.CreateInMemoryStore(), nil
}
