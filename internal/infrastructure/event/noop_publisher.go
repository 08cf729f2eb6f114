package event

import (
	"context"

	"github.com/loventure/gateway/internal/domain/ticket"
	"go.uber.org/zap"
)

// NoopPublisher discards events. Used when no sink is configured.
type NoopPublisher struct {
	logger *zap.Logger
}

// NewNoopPublisher creates a discarding publisher.
func NewNoopPublisher(logger *zap.Logger) *NoopPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoopPublisher{logger: logger}
}

// Publish logs and drops evt.
func (p *NoopPublisher) Publish(_ context.Context, evt ticket.ChangeEvent) error {
	p.logger.Debug("event sink disabled, dropping ticket change",
		zap.String("event_id", evt.EventID),
		zap.String("couple_id", evt.CoupleID),
	)
	return nil
}

var _ ticket.EventPublisher = (*NoopPublisher)(nil)
