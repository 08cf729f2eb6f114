package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/loventure/gateway/internal/domain/ticket"
	"go.uber.org/zap"
)

// Delivery outcomes reported to a DeliveryRecorder.
const (
	OutcomePublished = "published"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// DeliveryRecorder observes event deliveries.
type DeliveryRecorder interface {
	RecordEventDelivery(ctx context.Context, outcome string, elapsed time.Duration)
}

// AsyncConfig holds worker pool settings
type AsyncConfig struct {
	Workers        int
	QueueSize      int // per worker
	PublishTimeout time.Duration
}

// DefaultAsyncConfig returns the default pool settings.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Workers:        4,
		QueueSize:      1024,
		PublishTimeout: 3 * time.Second,
	}
}

// AsyncStats is a snapshot of delivery counters.
type AsyncStats struct {
	Enqueued  int64 `json:"enqueued"`
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Pending   int   `json:"pending"`
}

// AsyncPublisher hands events to a bounded worker pool so Publish never blocks the caller.
// Events are sharded by couple ID; each shard has one worker, so events for a couple
// are delivered in the order they were published.
type AsyncPublisher struct {
	next     ticket.EventPublisher
	config   AsyncConfig
	logger   *zap.Logger
	recorder DeliveryRecorder

	mu        sync.RWMutex
	queues    []chan ticket.ChangeEvent
	isRunning bool
	wg        sync.WaitGroup

	enqueued  atomic.Int64
	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// AsyncOption configures an AsyncPublisher.
type AsyncOption func(*AsyncPublisher)

// WithDeliveryRecorder reports each delivery outcome to r.
func WithDeliveryRecorder(r DeliveryRecorder) AsyncOption {
	return func(p *AsyncPublisher) {
		p.recorder = r
	}
}

// NewAsyncPublisher wraps next with a worker pool. Call Start before publishing.
func NewAsyncPublisher(next ticket.EventPublisher, cfg AsyncConfig, logger *zap.Logger, opts ...AsyncOption) *AsyncPublisher {
	defaults := DefaultAsyncConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &AsyncPublisher{
		next:   next,
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers.
func (p *AsyncPublisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return ErrPublisherRunning
	}

	p.queues = make([]chan ticket.ChangeEvent, p.config.Workers)
	for i := range p.queues {
		p.queues[i] = make(chan ticket.ChangeEvent, p.config.QueueSize)
		p.wg.Add(1)
		go p.worker(i, p.queues[i])
	}
	p.isRunning = true

	p.logger.Info("Event publisher started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize),
	)
	return nil
}

// Stop stops accepting events and waits for queued ones to drain or ctx to end.
func (p *AsyncPublisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.isRunning {
		p.mu.Unlock()
		return nil
	}
	p.isRunning = false
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Event publisher stopped gracefully",
			zap.Int64("published", p.published.Load()),
			zap.Int64("failed", p.failed.Load()),
			zap.Int64("dropped", p.dropped.Load()),
		)
		return nil
	case <-ctx.Done():
		p.logger.Warn("Event publisher stop timed out, pending events abandoned")
		return ctx.Err()
	}
}

// IsRunning returns whether the workers are running.
func (p *AsyncPublisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

// Publish enqueues evt and returns immediately.
// A full shard queue drops the event and returns ErrQueueFull.
func (p *AsyncPublisher) Publish(ctx context.Context, evt ticket.ChangeEvent) error {
	if evt.CoupleID == "" {
		return ErrEmptyCoupleID
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.isRunning {
		p.record(ctx, OutcomeDropped, 0)
		p.dropped.Add(1)
		return ErrPublisherNotRunning
	}

	select {
	case p.queues[p.shard(evt.CoupleID)] <- evt:
		p.enqueued.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		p.record(ctx, OutcomeDropped, 0)
		p.logger.Warn("event queue full, dropping ticket change",
			zap.String("event_id", evt.EventID),
			zap.String("couple_id", evt.CoupleID),
			zap.Int("ticket_count", evt.Balance.TicketCount),
		)
		return ErrQueueFull
	}
}

// Stats returns current counters.
func (p *AsyncPublisher) Stats() AsyncStats {
	p.mu.RLock()
	pending := 0
	for _, q := range p.queues {
		pending += len(q)
	}
	p.mu.RUnlock()

	return AsyncStats{
		Enqueued:  p.enqueued.Load(),
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Pending:   pending,
	}
}

func (p *AsyncPublisher) shard(coupleID string) int {
	return int(xxhash.Sum64String(coupleID) % uint64(len(p.queues)))
}

func (p *AsyncPublisher) worker(id int, queue <-chan ticket.ChangeEvent) {
	defer p.wg.Done()

	p.logger.Debug("Event worker started", zap.Int("worker_id", id))
	for evt := range queue {
		p.deliver(id, evt)
	}
	p.logger.Debug("Event worker stopped", zap.Int("worker_id", id))
}

// deliver runs detached from the request that produced evt.
func (p *AsyncPublisher) deliver(workerID int, evt ticket.ChangeEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("Event publish panicked",
				zap.Int("worker_id", workerID),
				zap.String("event_id", evt.EventID),
				zap.Any("panic", r),
			)
		}
	}()

	start := time.Now()
	err := p.next.Publish(ctx, evt)
	elapsed := time.Since(start)
	if err != nil {
		p.failed.Add(1)
		p.record(ctx, OutcomeFailed, elapsed)
		p.logger.Error("Failed to publish ticket change",
			zap.Int("worker_id", workerID),
			zap.String("event_id", evt.EventID),
			zap.String("couple_id", evt.CoupleID),
			zap.Int("ticket_count", evt.Balance.TicketCount),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	p.published.Add(1)
	p.record(ctx, OutcomePublished, elapsed)
}

func (p *AsyncPublisher) record(ctx context.Context, outcome string, elapsed time.Duration) {
	if p.recorder != nil {
		p.recorder.RecordEventDelivery(ctx, outcome, elapsed)
	}
}

// Ensure AsyncPublisher implements EventPublisher
var _ ticket.EventPublisher = (*AsyncPublisher)(nil)
