package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/loventure/gateway/internal/infrastructure/cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	seoul   = time.FixedZone("KST", 9*60*60)
	fixedAt = time.Date(2025, 10, 14, 9, 30, 0, 0, time.UTC)
)

// MockBalanceSource is a mock implementation of ticket.BalanceSource
type MockBalanceSource struct {
	mock.Mock
}

func (m *MockBalanceSource) FetchBalance(ctx context.Context, authToken string) (ticket.Balance, error) {
	args := m.Called(ctx, authToken)
	return args.Get(0).(ticket.Balance), args.Error(1)
}

// MockEventPublisher is a mock implementation of ticket.EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, evt ticket.ChangeEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

// recordingRecorder captures Recorder calls
type recordingRecorder struct {
	mu        sync.Mutex
	decisions map[string]int
	hits      int
	misses    int
	fetches   int
}

func (r *recordingRecorder) RecordDecision(_ context.Context, outcome string, reason ticket.Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decisions == nil {
		r.decisions = map[string]int{}
	}
	r.decisions[outcome+":"+string(reason)]++
}

func (r *recordingRecorder) RecordCacheLookup(_ context.Context, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func (r *recordingRecorder) RecordFetch(context.Context, time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches++
}

type countingPublisher struct {
	mu     sync.Mutex
	events []ticket.ChangeEvent
}

func (p *countingPublisher) Publish(_ context.Context, evt ticket.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *countingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func newTestService(t *testing.T, store ticket.TicketStore, source ticket.BalanceSource, pub ticket.EventPublisher, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return fixedAt }),
		WithLocation(seoul),
	}, opts...)
	return NewService(store, source, pub, opts...)
}

func seed(t *testing.T, store ticket.TicketStore, coupleID string, count int) {
	t.Helper()
	b, err := ticket.NewBalance(coupleID, count, fixedAt.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), b))
}

func TestService_Evaluate_DecrementsCachedBalance(t *testing.T) {
	for _, n := range []int{1, 2, 3, 10} {
		store := cache.NewInMemoryTicketStore(0)
		seed(t, store, "c1", n)

		source := new(MockBalanceSource)
		pub := new(MockEventPublisher)
		pub.On("Publish", mock.Anything, mock.MatchedBy(func(evt ticket.ChangeEvent) bool {
			return evt.CoupleID == "c1" && evt.Balance.TicketCount == n-1 &&
				evt.Source == ticket.EventSourceGateway && evt.EventType == ticket.EventTypeTicketUpdate
		})).Return(nil).Once()

		svc := newTestService(t, store, source, pub)
		updated, err := svc.Evaluate(context.Background(), "c1", "tok")
		require.NoError(t, err)
		assert.Equal(t, n-1, updated.TicketCount)

		cached, err := store.Get(context.Background(), "c1")
		require.NoError(t, err)
		assert.Equal(t, n-1, cached.TicketCount)
		assert.True(t, cached.LastSyncedAt.Equal(fixedAt), "mutation stamps lastSyncedAt")

		source.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
		pub.AssertExpectations(t)
	}
}

func TestService_Evaluate_StampsConfiguredZone(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	seed(t, store, "c1", 1)

	svc := newTestService(t, store, new(MockBalanceSource), &countingPublisher{})
	updated, err := svc.Evaluate(context.Background(), "c1", "tok")
	require.NoError(t, err)

	raw, ok := store.Raw("c1")
	require.True(t, ok)
	assert.Contains(t, string(raw), `"lastSyncedAt":"2025-10-14T18:30:00+09:00"`)
	_, offset := updated.LastSyncedAt.Zone()
	assert.Equal(t, 9*60*60, offset)
}

func TestService_Evaluate_ExhaustedBalance(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	store.SetRaw("c3", []byte(`{"coupleId":"c3","ticket":0,"lastSyncedAt":"2025-10-14T00:00:00Z"}`))
	before, _ := store.Raw("c3")

	source := new(MockBalanceSource)
	pub := new(MockEventPublisher)
	rec := &recordingRecorder{}

	svc := newTestService(t, store, source, pub, WithRecorder(rec))
	_, err := svc.Evaluate(context.Background(), "c3", "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ticket.ErrNoTicketsRemaining)
	assert.Equal(t, ticket.ReasonNoTicketsRemaining, ticket.ReasonOf(err))

	after, _ := store.Raw("c3")
	assert.Equal(t, before, after, "denial leaves the cache untouched")
	source.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	assert.Equal(t, 1, rec.decisions[OutcomeDeny+":"+string(ticket.ReasonNoTicketsRemaining)])
	assert.Equal(t, 1, rec.hits)
}

func TestService_Evaluate_CacheMissFetchesOnce(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	fetched, err := ticket.NewBalance("c2", 5, fixedAt.Add(-time.Hour))
	require.NoError(t, err)

	source := new(MockBalanceSource)
	source.On("FetchBalance", mock.Anything, "tok-c2").Return(fetched, nil).Once()
	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Once()
	rec := &recordingRecorder{}

	svc := newTestService(t, store, source, pub, WithRecorder(rec))
	updated, err := svc.Evaluate(context.Background(), "c2", "tok-c2")
	require.NoError(t, err)
	assert.Equal(t, 4, updated.TicketCount)

	cached, err := store.Get(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, 4, cached.TicketCount)

	source.AssertNumberOfCalls(t, "FetchBalance", 1)
	assert.Equal(t, 1, rec.misses)
	assert.Equal(t, 1, rec.fetches)
	assert.Equal(t, 1, rec.decisions[OutcomeAllow+":"])
}

func TestService_Evaluate_CacheMissWithEmptyUpstreamBalance(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	source := new(MockBalanceSource)
	source.On("FetchBalance", mock.Anything, "tok").Return(ticket.Balance{CoupleID: "c4"}, nil).Once()
	pub := new(MockEventPublisher)

	svc := newTestService(t, store, source, pub)
	_, err := svc.Evaluate(context.Background(), "c4", "tok")
	assert.ErrorIs(t, err, ticket.ErrNoTicketsRemaining)

	cached, err := store.Get(context.Background(), "c4")
	require.NoError(t, err, "fetched balance is cached even when empty")
	assert.Zero(t, cached.TicketCount)
	assert.False(t, cached.LastSyncedAt.IsZero())
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Evaluate_CachesUnderCallerCoupleID(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	source := new(MockBalanceSource)
	source.On("FetchBalance", mock.Anything, "tok").Return(ticket.Balance{CoupleID: "other", TicketCount: 2}, nil)

	svc := newTestService(t, store, source, &countingPublisher{})
	_, err := svc.Evaluate(context.Background(), "c5", "tok")
	require.NoError(t, err)

	cached, err := store.Get(context.Background(), "c5")
	require.NoError(t, err)
	assert.Equal(t, "c5", cached.CoupleID)
	assert.Equal(t, 1, cached.TicketCount)

	_, err = store.Get(context.Background(), "other")
	assert.ErrorIs(t, err, ticket.ErrBalanceNotFound)
}

func TestService_Evaluate_UpstreamFailureFailsClosed(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "typed", err: ticket.UpstreamUnavailableError(errors.New("503"))},
		{name: "untyped", err: errors.New("dial tcp: connection refused")},
		{name: "timeout", err: context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := cache.NewInMemoryTicketStore(0)
			source := new(MockBalanceSource)
			source.On("FetchBalance", mock.Anything, "tok").Return(ticket.Balance{}, tt.err).Once()
			pub := new(MockEventPublisher)

			svc := newTestService(t, store, source, pub)
			_, err := svc.Evaluate(context.Background(), "c6", "tok")
			require.Error(t, err)
			assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)

			_, err = store.Get(context.Background(), "c6")
			assert.ErrorIs(t, err, ticket.ErrBalanceNotFound, "no cache write on fetch failure")
			pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
		})
	}
}

func TestService_Evaluate_CallerCancelledDuringFetch(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	release := make(chan struct{})
	source := new(MockBalanceSource)
	source.On("FetchBalance", mock.Anything, "tok").
		Run(func(mock.Arguments) { <-release }).
		Return(ticket.Balance{CoupleID: "c7", TicketCount: 1}, nil)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	svc := newTestService(t, store, source, &countingPublisher{})
	_, err := svc.Evaluate(ctx, "c7", "tok")
	assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
}

func TestService_Evaluate_MissingCoupleID(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	seed(t, store, "c1", 3)
	source := new(MockBalanceSource)
	pub := new(MockEventPublisher)

	svc := newTestService(t, store, source, pub)
	for _, id := range []string{"", "   "} {
		_, err := svc.Evaluate(context.Background(), id, "tok")
		assert.ErrorIs(t, err, ticket.ErrPairingIncomplete)
	}

	cached, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, cached.TicketCount)
	source.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
}

func TestService_Evaluate_WithoutSourceOrPublisher(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	seed(t, store, "c1", 1)
	svc := newTestService(t, store, nil, nil)

	b, err := svc.Evaluate(context.Background(), "c1", "tok")
	require.NoError(t, err)
	assert.Equal(t, 0, b.TicketCount)

	_, err = svc.Evaluate(context.Background(), "c2", "tok")
	assert.Equal(t, ticket.ReasonUpstreamUnavailable, ticket.ReasonOf(err))
}

func TestService_Evaluate_CoercesNumericCoupleID(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	store.SetRaw("42", []byte(`{"coupleId":42,"ticketCount":2,"lastSyncedAt":"2025-10-14T00:00:00Z"}`))

	svc := newTestService(t, store, new(MockBalanceSource), &countingPublisher{})
	updated, err := svc.Evaluate(context.Background(), "42", "tok")
	require.NoError(t, err)
	assert.Equal(t, "42", updated.CoupleID)

	raw, _ := store.Raw("42")
	assert.Contains(t, string(raw), `"coupleId":"42"`)
	assert.Contains(t, string(raw), `"ticket":1`)
}

func TestService_Evaluate_MalformedCacheIsInternal(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	store.SetRaw("c8", []byte(`{"coupleId":"c8","ticket":"lots"}`))
	before, _ := store.Raw("c8")
	source := new(MockBalanceSource)

	svc := newTestService(t, store, source, &countingPublisher{})
	_, err := svc.Evaluate(context.Background(), "c8", "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ticket.ErrInternal)
	assert.ErrorIs(t, err, ticket.ErrMalformedBalance)

	after, _ := store.Raw("c8")
	assert.Equal(t, before, after)
	source.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
}

func TestService_Evaluate_PublishFailureStillAllows(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	seed(t, store, "c1", 2)
	pub := new(MockEventPublisher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("stream down")).Once()

	svc := newTestService(t, store, new(MockBalanceSource), pub)
	updated, err := svc.Evaluate(context.Background(), "c1", "tok")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TicketCount)
	pub.AssertExpectations(t)
}

// vanishingStore drops the balance between lookup and decrement, as a concurrent flush would.
type vanishingStore struct {
	*cache.InMemoryTicketStore
	vanish atomic.Int32
}

func (s *vanishingStore) Decrement(ctx context.Context, coupleID string, now time.Time) (ticket.Balance, error) {
	if s.vanish.Add(-1) >= 0 {
		_ = s.InMemoryTicketStore.Flush(ctx, ticket.FlushScopeNamespace)
	}
	return s.InMemoryTicketStore.Decrement(ctx, coupleID, now)
}

func TestService_Evaluate_ReloadsAfterFlush(t *testing.T) {
	store := &vanishingStore{InMemoryTicketStore: cache.NewInMemoryTicketStore(0)}
	store.vanish.Store(1)
	seed(t, store, "c9", 3)

	source := new(MockBalanceSource)
	source.On("FetchBalance", mock.Anything, "tok").Return(ticket.Balance{CoupleID: "c9", TicketCount: 7}, nil).Once()

	svc := newTestService(t, store, source, &countingPublisher{})
	updated, err := svc.Evaluate(context.Background(), "c9", "tok")
	require.NoError(t, err)
	assert.Equal(t, 6, updated.TicketCount)
	source.AssertExpectations(t)
}

func TestService_Evaluate_GivesUpWhenBalanceKeepsVanishing(t *testing.T) {
	store := &vanishingStore{InMemoryTicketStore: cache.NewInMemoryTicketStore(0)}
	store.vanish.Store(maxDecrementAttempts)

	source := new(MockBalanceSource)
	source.On("FetchBalance", mock.Anything, "tok").Return(ticket.Balance{CoupleID: "c9", TicketCount: 7}, nil)

	svc := newTestService(t, store, source, &countingPublisher{})
	_, err := svc.Evaluate(context.Background(), "c9", "tok")
	assert.ErrorIs(t, err, ticket.ErrInternal)
	source.AssertNumberOfCalls(t, "FetchBalance", maxDecrementAttempts)
}

// failingStore reports a backend fault on every call.
type failingStore struct {
	ticket.TicketStore
}

func (failingStore) Get(context.Context, string) (ticket.Balance, error) {
	return ticket.Balance{}, errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func TestService_Evaluate_StoreFaultIsInternal(t *testing.T) {
	source := new(MockBalanceSource)
	svc := newTestService(t, failingStore{}, source, &countingPublisher{})

	_, err := svc.Evaluate(context.Background(), "c1", "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ticket.ErrInternal)
	source.AssertNotCalled(t, "FetchBalance", mock.Anything, mock.Anything)
}

func concurrentStores(t *testing.T) map[string]ticket.TicketStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), PoolSize: 32})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]ticket.TicketStore{
		"memory": cache.NewInMemoryTicketStore(0),
		"redis":  cache.NewRedisTicketStore(client),
	}
}

func TestService_Evaluate_ConcurrentSingleTicket(t *testing.T) {
	const callers = 50

	for name, store := range concurrentStores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, store, "race", 1)
			pub := &countingPublisher{}
			svc := newTestService(t, store, new(MockBalanceSource), pub)

			var allowed, denied atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := svc.Evaluate(context.Background(), "race", "tok")
					switch {
					case err == nil:
						allowed.Add(1)
					case errors.Is(err, ticket.ErrNoTicketsRemaining):
						denied.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(1), allowed.Load())
			assert.Equal(t, int32(callers-1), denied.Load())
			assert.Equal(t, 1, pub.count())

			cached, err := store.Get(context.Background(), "race")
			require.NoError(t, err)
			assert.Zero(t, cached.TicketCount)
		})
	}
}

func TestService_Evaluate_ConcurrentMissFetchesOnce(t *testing.T) {
	const callers = 20

	for name, store := range concurrentStores(t) {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			source := new(MockBalanceSource)
			source.On("FetchBalance", mock.Anything, "tok").
				Run(func(mock.Arguments) { <-release }).
				Return(ticket.Balance{CoupleID: "burst", TicketCount: 5}, nil)

			svc := newTestService(t, store, source, &countingPublisher{})

			var allowed atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := svc.Evaluate(context.Background(), "burst", "tok"); err == nil {
						allowed.Add(1)
					}
				}()
			}
			time.Sleep(50 * time.Millisecond)
			close(release)
			wg.Wait()

			assert.Equal(t, int32(5), allowed.Load())
			source.AssertNumberOfCalls(t, "FetchBalance", 1)

			cached, err := store.Get(context.Background(), "burst")
			require.NoError(t, err)
			assert.Zero(t, cached.TicketCount)
		})
	}
}

func TestService_Evaluate_PartnerFetchesWithOwnToken(t *testing.T) {
	store := cache.NewInMemoryTicketStore(0)
	release := make(chan struct{})
	started := make(chan struct{})
	source := new(MockBalanceSource)
	source.On("FetchBalance", mock.Anything, "revoked").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(ticket.Balance{}, errors.New("couples service returned 401")).Once()
	source.On("FetchBalance", mock.Anything, "valid").
		Return(ticket.Balance{CoupleID: "c1", TicketCount: 2}, nil).Once()

	svc := newTestService(t, store, source, &countingPublisher{})

	denied := make(chan error, 1)
	go func() {
		_, err := svc.Evaluate(context.Background(), "c1", "revoked")
		denied <- err
	}()
	<-started

	b, err := svc.Evaluate(context.Background(), "c1", "valid")
	require.NoError(t, err, "partner is not tied to the other caller's fetch")
	assert.Equal(t, 1, b.TicketCount)

	close(release)
	assert.Equal(t, ticket.ReasonUpstreamUnavailable, ticket.ReasonOf(<-denied))
	source.AssertExpectations(t)
}
