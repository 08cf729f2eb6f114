// Package event delivers ticket change events to the synchronization log.
package event

import (
	"context"
	"fmt"

	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the stream the backend consumer reads ticket changes from.
const DefaultStream = "ticket-sync-stream"

// RedisStreamPublisher appends change events to a Redis stream.
type RedisStreamPublisher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisStreamPublisher creates a stream publisher.
// maxLen > 0 caps the stream approximately at that many entries.
func NewRedisStreamPublisher(client redis.Cmdable, stream string, maxLen int64, logger *zap.Logger) *RedisStreamPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStreamPublisher{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// Publish appends evt as a flat record.
func (p *RedisStreamPublisher) Publish(ctx context.Context, evt ticket.ChangeEvent) error {
	if evt.CoupleID == "" {
		return ErrEmptyCoupleID
	}
	fields, err := evt.Fields()
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}

	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to append to stream %s: %w", p.stream, err)
	}

	p.logger.Debug("published ticket change",
		zap.String("stream", p.stream),
		zap.String("entry_id", id),
		zap.String("event_id", evt.EventID),
		zap.String("couple_id", evt.CoupleID),
		zap.Int("ticket_count", evt.Balance.TicketCount),
	)
	return nil
}

// Stream returns the target stream name.
func (p *RedisStreamPublisher) Stream() string {
	return p.stream
}

// Ensure RedisStreamPublisher implements EventPublisher
var _ ticket.EventPublisher = (*RedisStreamPublisher)(nil)
