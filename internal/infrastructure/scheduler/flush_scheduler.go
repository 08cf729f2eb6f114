// Package scheduler runs the gateway's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loventure/gateway/internal/domain/ticket"
	"go.uber.org/zap"
)

// Flush triggers
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// Client-safe failure markers recorded in FlushResult. Error detail is only logged.
const (
	ResultFlushFailed  = "flush failed"
	ResultVerifyFailed = "verification failed"
)

// FlushTarget is the store cleared by the flush job.
type FlushTarget interface {
	Flush(ctx context.Context, scope ticket.FlushScope) error
	Probe(ctx context.Context) error
}

// FlushSchedulerConfig holds configuration for the daily cache flush
type FlushSchedulerConfig struct {
	// Enabled turns the cron flush on; a disabled scheduler still reports status
	Enabled bool
	// Schedule is a daily cron expression "minute hour * * *"
	Schedule string
	// Scope selects FLUSHDB or FLUSHALL
	Scope ticket.FlushScope
	// VerifyDelay is how long after a flush the store is probed
	VerifyDelay time.Duration
	// Location is the timezone the schedule is evaluated in
	Location *time.Location
	// CheckInterval is how often the clock is compared with the schedule
	CheckInterval time.Duration
	// Timeout bounds a single flush or probe
	Timeout time.Duration
}

// DefaultFlushSchedulerConfig returns default flush configuration
// Defaults to midnight, Asia/Seoul
func DefaultFlushSchedulerConfig() FlushSchedulerConfig {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		loc = time.FixedZone("KST", 9*60*60)
	}
	return FlushSchedulerConfig{
		Enabled:       true,
		Schedule:      "0 0 * * *",
		Scope:         ticket.FlushScopeNamespace,
		VerifyDelay:   time.Minute,
		Location:      loc,
		CheckInterval: 30 * time.Second,
		Timeout:       30 * time.Second,
	}
}

// ParseCronSchedule parses a daily cron expression "minute hour * * *".
// Day, month and weekday fields must be "*".
func ParseCronSchedule(cronExpr string) (hour, minute int, err error) {
	parts := strings.Fields(cronExpr)
	if len(parts) != 5 {
		return 0, 0, fmt.Errorf("%w: schedule %q must have 5 fields", ErrInvalidConfig, cronExpr)
	}
	for _, field := range parts[2:] {
		if field != "*" {
			return 0, 0, fmt.Errorf("%w: schedule %q must run daily", ErrInvalidConfig, cronExpr)
		}
	}

	minute, err = strconv.Atoi(parts[0])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: minute must be 0-59, got %q", ErrInvalidConfig, parts[0])
	}
	hour, err = strconv.Atoi(parts[1])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: hour must be 0-23, got %q", ErrInvalidConfig, parts[1])
	}
	return hour, minute, nil
}

// FlushResult describes one flush run.
type FlushResult struct {
	Trigger     string        `json:"trigger"`
	StartedAt   time.Time     `json:"startedAt"`
	Duration    time.Duration `json:"durationNs"`
	Error       string        `json:"error,omitempty"`
	Verified    *bool         `json:"verified,omitempty"`
	VerifiedAt  *time.Time    `json:"verifiedAt,omitempty"`
	VerifyError string        `json:"verifyError,omitempty"`
}

// FlushStatus is the scheduler state reported by the maintenance endpoint.
type FlushStatus struct {
	Enabled    bool         `json:"enabled"`
	Running    bool         `json:"running"`
	InProgress bool         `json:"inProgress"`
	Schedule   string       `json:"schedule"`
	Scope      string       `json:"scope"`
	Timezone   string       `json:"timezone"`
	LastRunAt  *time.Time   `json:"lastRunAt,omitempty"`
	NextRunAt  *time.Time   `json:"nextRunAt,omitempty"`
	LastResult *FlushResult `json:"lastResult,omitempty"`
}

// FlushScheduler clears the ticket cache once a day so balances are reloaded from
// the couples service.
type FlushScheduler struct {
	config FlushSchedulerConfig
	hour   int
	minute int
	target FlushTarget
	logger *zap.Logger
	now    func() time.Time

	cancel      context.CancelFunc
	stopped     <-chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	isRunning   bool
	inProgress  bool
	lastRunDate string

	lastRunAt  *time.Time
	nextRunAt  *time.Time
	lastResult *FlushResult
}

// NewFlushScheduler creates the flush scheduler.
func NewFlushScheduler(config FlushSchedulerConfig, target FlushTarget, logger *zap.Logger) (*FlushScheduler, error) {
	hour, minute, err := ParseCronSchedule(config.Schedule)
	if err != nil {
		return nil, err
	}
	if _, ok := ticket.ParseFlushScope(string(config.Scope)); !ok {
		return nil, fmt.Errorf("%w: unknown flush scope %q", ErrInvalidConfig, config.Scope)
	}
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FlushScheduler{
		config: config,
		hour:   hour,
		minute: minute,
		target: target,
		logger: logger.With(zap.String("job", "ticket-cache-flush")),
		now:    time.Now,
	}, nil
}

// Start starts the cron loop
func (s *FlushScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = ctx.Done()
	s.mu.Unlock()

	s.calculateNextRunTime()

	s.wg.Add(1)
	go s.cronLoop(ctx)

	s.logger.Info("Cache flush scheduler started",
		zap.Bool("enabled", s.config.Enabled),
		zap.String("schedule", s.config.Schedule),
		zap.String("scope", string(s.config.Scope)),
		zap.String("timezone", s.config.Location.String()),
		zap.Timep("next_run_at", s.GetNextRunAt()),
	)
	return nil
}

// Stop stops the cron loop and waits for a running flush or pending verification
func (s *FlushScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Cache flush scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Cache flush scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *FlushScheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the flush at most once per calendar day in the configured location.
func (s *FlushScheduler) tick(ctx context.Context) {
	if !s.config.Enabled {
		return
	}
	now := s.now().In(s.config.Location)
	if !s.shouldRun(now) {
		return
	}

	today := now.Format("2006-01-02")
	s.mu.Lock()
	if s.lastRunDate == today {
		s.mu.Unlock()
		return
	}
	s.lastRunDate = today
	s.mu.Unlock()

	_ = s.run(ctx, TriggerCron)
	s.calculateNextRunTime()
}

func (s *FlushScheduler) shouldRun(now time.Time) bool {
	return now.Hour() == s.hour && now.Minute() == s.minute
}

func (s *FlushScheduler) calculateNextRunTime() {
	now := s.now().In(s.config.Location)
	next := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.minute, 0, 0, s.config.Location)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	s.mu.Lock()
	s.nextRunAt = &next
	s.mu.Unlock()
}

// TriggerManualFlush flushes immediately, regardless of the schedule.
// The flush is detached from ctx cancellation but not from its values.
func (s *FlushScheduler) TriggerManualFlush(ctx context.Context) error {
	s.mu.Lock()
	running := s.isRunning
	s.mu.Unlock()
	if !running {
		return ErrSchedulerNotRunning
	}
	if !s.config.Enabled {
		return ErrFlushDisabled
	}
	return s.run(context.WithoutCancel(ctx), TriggerManual)
}

// run performs one flush and schedules its verification probe.
func (s *FlushScheduler) run(ctx context.Context, trigger string) error {
	s.mu.Lock()
	if s.inProgress {
		s.mu.Unlock()
		return ErrFlushInProgress
	}
	s.inProgress = true
	s.mu.Unlock()

	started := s.now()
	flushCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	err := s.target.Flush(flushCtx, s.config.Scope)
	cancel()

	result := &FlushResult{
		Trigger:   trigger,
		StartedAt: started.In(s.config.Location),
		Duration:  s.now().Sub(started),
	}
	if err != nil {
		result.Error = ResultFlushFailed
		s.logger.Error("Ticket cache flush failed",
			zap.String("trigger", trigger),
			zap.String("scope", string(s.config.Scope)),
			zap.Error(err),
		)
	}

	s.mu.Lock()
	s.inProgress = false
	s.lastRunAt = &result.StartedAt
	s.lastResult = result
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to flush ticket cache: %w", err)
	}
	s.logger.Info("Ticket cache flushed",
		zap.String("trigger", trigger),
		zap.String("scope", string(s.config.Scope)),
		zap.Duration("duration", result.Duration),
	)

	s.mu.Lock()
	if s.isRunning {
		s.wg.Add(1)
		go s.verifyAfterDelay(ctx, s.stopped, result)
	}
	s.mu.Unlock()
	return nil
}

// verifyAfterDelay probes the store once VerifyDelay has passed and records the outcome.
// A scheduler stop abandons the pending probe.
func (s *FlushScheduler) verifyAfterDelay(ctx context.Context, stopped <-chan struct{}, result *FlushResult) {
	defer s.wg.Done()

	timer := time.NewTimer(s.config.VerifyDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-stopped:
		return
	}

	probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Timeout)
	err := s.target.Probe(probeCtx)
	cancel()

	verifiedAt := s.now().In(s.config.Location)
	ok := err == nil

	s.mu.Lock()
	result.Verified = &ok
	result.VerifiedAt = &verifiedAt
	if err != nil {
		result.VerifyError = ResultVerifyFailed
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Store verification after flush failed", zap.Error(err))
		return
	}
	s.logger.Info("Store verified after flush", zap.String("trigger", result.Trigger))
}

// GetStatus returns the current status of the scheduler
func (s *FlushScheduler) GetStatus() FlushStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := FlushStatus{
		Enabled:    s.config.Enabled,
		Running:    s.isRunning,
		InProgress: s.inProgress,
		Schedule:   s.config.Schedule,
		Scope:      string(s.config.Scope),
		Timezone:   s.config.Location.String(),
		LastRunAt:  s.lastRunAt,
		NextRunAt:  s.nextRunAt,
	}
	if s.lastResult != nil {
		r := *s.lastResult
		status.LastResult = &r
	}
	return status
}

// GetNextRunAt returns when the next scheduled run will occur
func (s *FlushScheduler) GetNextRunAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunAt
}
