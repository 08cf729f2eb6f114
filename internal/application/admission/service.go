// Package admission decides whether a couple may spend a ticket on the gated route.
package admission

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/loventure/gateway/internal/infrastructure/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Decision outcomes reported to the Recorder.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
)

// maxDecrementAttempts bounds how often a balance that vanished between lookup and
// decrement is reloaded.
const maxDecrementAttempts = 2

var errNoSource = errors.New("no balance source configured")

// Recorder observes admission decisions.
type Recorder interface {
	RecordDecision(ctx context.Context, outcome string, reason ticket.Reason)
	RecordCacheLookup(ctx context.Context, hit bool)
	RecordFetch(ctx context.Context, elapsed time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(context.Context, string, ticket.Reason) {}
func (nopRecorder) RecordCacheLookup(context.Context, bool) {}
func (nopRecorder) RecordFetch(context.Context, time.Duration, error) {}

// Service is the ticket admission decision engine.
type Service struct {
	store     ticket.TicketStore
	source    ticket.BalanceSource
	publisher ticket.EventPublisher
	logger    *zap.Logger
	recorder  Recorder
	now       func() time.Time
	location  *time.Location
	fetches   singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLocation sets the zone lastSyncedAt is written in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		s.location = loc
	}
}

// NewService creates an admission service.
func NewService(store ticket.TicketStore, source ticket.BalanceSource, publisher ticket.EventPublisher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		source:    source,
		publisher: publisher,
		logger:    zap.NewNop(),
		recorder:  nopRecorder{},
		now:       time.Now,
		location:  time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate spends one ticket for coupleID.
// A nil error means the request is admitted and the returned balance is the post-decrement state.
// Any denial is a *ticket.AdmissionError.
func (s *Service) Evaluate(ctx context.Context, coupleID, authToken string) (ticket.Balance, error) {
	coupleID = strings.TrimSpace(coupleID)
	log := logger.WithLogger(ctx, s.logger).With(zap.String("couple_id", coupleID))

	if coupleID == "" {
		return ticket.Balance{}, s.deny(ctx, log, ticket.ErrPairingIncomplete)
	}

	for attempt := 1; attempt <= maxDecrementAttempts; attempt++ {
		if err := s.ensureCached(ctx, log, coupleID, authToken); err != nil {
			return ticket.Balance{}, s.deny(ctx, log, err)
		}

		updated, err := s.store.Decrement(ctx, coupleID, s.clock())
		switch {
		case err == nil:
			s.publish(ctx, log, updated)
			s.recorder.RecordDecision(ctx, OutcomeAllow, "")
			log.Info("ticket admitted", zap.Int("remaining", updated.TicketCount))
			return updated, nil
		case errors.Is(err, ticket.ErrNoTicketsRemaining):
			return ticket.Balance{}, s.deny(ctx, log, ticket.ErrNoTicketsRemaining)
		case errors.Is(err, ticket.ErrBalanceNotFound):
			log.Warn("cached balance disappeared before decrement, reloading", zap.Int("attempt", attempt))
			continue
		default:
			return ticket.Balance{}, s.deny(ctx, log, ticket.InternalError(err))
		}
	}

	return ticket.Balance{}, s.deny(ctx, log, ticket.InternalError(ticket.ErrBalanceNotFound))
}

// ensureCached loads the balance into the store unless it is already there.
func (s *Service) ensureCached(ctx context.Context, log *logger.ContextLogger, coupleID, authToken string) error {
	_, err := s.store.Get(ctx, coupleID)
	if err == nil {
		s.recorder.RecordCacheLookup(ctx, true)
		return nil
	}
	if !errors.Is(err, ticket.ErrBalanceNotFound) {
		return ticket.InternalError(err)
	}
	s.recorder.RecordCacheLookup(ctx, false)

	fetched, err := s.fetch(ctx, coupleID, authToken)
	if err != nil {
		return err
	}
	if fetched.CoupleID != coupleID {
		log.Warn("couples service returned a different couple ID, caching under the caller's",
			zap.String("fetched_couple_id", fetched.CoupleID))
	}
	fetched = fetched.WithCoupleID(coupleID)
	if fetched.LastSyncedAt.IsZero() {
		fetched.LastSyncedAt = s.clock()
	}

	written, err := s.store.SetIfAbsent(ctx, fetched)
	if err != nil {
		return ticket.InternalError(err)
	}
	log.Debug("cached fetched balance",
		zap.Int("ticket_count", fetched.TicketCount),
		zap.Bool("written", written),
	)
	return nil
}

// fetch collapses concurrent misses for one couple and credential into a single upstream call.
// Partners holding different tokens fetch independently, so one rejected token never denies the other.
// The shared call is detached from any single caller's cancellation; each caller still
// stops waiting when its own context ends.
func (s *Service) fetch(ctx context.Context, coupleID, authToken string) (ticket.Balance, error) {
	if s.source == nil {
		return ticket.Balance{}, ticket.UpstreamUnavailableError(errNoSource)
	}
	detached := context.WithoutCancel(ctx)
	ch := s.fetches.DoChan(fetchKey(coupleID, authToken), func() (any, error) {
		start := time.Now()
		b, err := s.source.FetchBalance(detached, authToken)
		s.recorder.RecordFetch(detached, time.Since(start), err)
		return b, err
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var denial *ticket.AdmissionError
			if !errors.As(res.Err, &denial) {
				return ticket.Balance{}, ticket.UpstreamUnavailableError(res.Err)
			}
			return ticket.Balance{}, res.Err
		}
		return res.Val.(ticket.Balance), nil
	case <-ctx.Done():
		return ticket.Balance{}, ticket.UpstreamUnavailableError(ctx.Err())
	}
}

func fetchKey(coupleID, authToken string) string {
	return coupleID + ":" + strconv.FormatUint(xxhash.Sum64String(authToken), 16)
}

func (s *Service) publish(ctx context.Context, log *logger.ContextLogger, updated ticket.Balance) {
	if s.publisher == nil {
		return
	}
	evt := ticket.NewChangeEvent(updated, updated.LastSyncedAt)
	if err := s.publisher.Publish(ctx, evt); err != nil {
		log.Warn("ticket change not published",
			zap.String("event_id", evt.EventID),
			zap.Int("ticket_count", updated.TicketCount),
			zap.Error(err),
		)
	}
}

func (s *Service) deny(ctx context.Context, log *logger.ContextLogger, err error) error {
	reason := ticket.ReasonOf(err)
	s.recorder.RecordDecision(ctx, OutcomeDeny, reason)

	fields := []zap.Field{zap.String("reason", string(reason))}
	switch reason {
	case ticket.ReasonNoTicketsRemaining, ticket.ReasonPairingIncomplete:
		log.Info("ticket admission denied", fields...)
	case ticket.ReasonUpstreamUnavailable:
		log.Warn("ticket admission denied", append(fields, zap.Error(err))...)
	default:
		log.Error("ticket admission denied", append(fields, zap.Error(err))...)
	}
	return err
}

func (s *Service) clock() time.Time {
	return s.now().In(s.location)
}
