package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loventure/gateway/internal/application/admission"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/loventure/gateway/internal/infrastructure/auth"
	"github.com/loventure/gateway/internal/infrastructure/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const gatedPath = "/api/regions/unlock"

type stubAdmitter struct {
	mu        sync.Mutex
	balance   ticket.Balance
	err       error
	calls     int
	coupleIDs []string
	tokens    []string
}

func (a *stubAdmitter) Evaluate(_ context.Context, coupleID, authToken string) (ticket.Balance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.coupleIDs = append(a.coupleIDs, coupleID)
	a.tokens = append(a.tokens, authToken)
	return a.balance, a.err
}

// downstream records what the next stage received.
type downstream struct {
	called  bool
	body    string
	headers http.Header
	regions string
}

func (d *downstream) handle(c *gin.Context) {
	d.called = true
	b, _ := io.ReadAll(c.Request.Body)
	d.body = string(b)
	d.headers = c.Request.Header.Clone()
	d.regions = c.GetString(RegionsKey)
	c.Status(http.StatusOK)
}

func newAdmissionRouter(t *testing.T, admitter Admitter, withJWT bool, maxBody int64) (*gin.Engine, *downstream) {
	t.Helper()
	authn := newFakeAuthenticator()
	r := gin.New()
	if withJWT {
		r.Use(JWTAuthMiddlewareWithConfig(JWTMiddlewareConfig{
			Authenticator: authn,
			DeferPaths:    []string{gatedPath},
		}))
	}
	r.Use(Admission(AdmissionConfig{
		GatedPath:     gatedPath,
		Admitter:      admitter,
		Authenticator: authn,
		MaxBodyBytes:  maxBody,
		Logger:        zaptest.NewLogger(t),
	}))
	d := &downstream{}
	r.POST(gatedPath, d.handle)
	r.GET(gatedPath, d.handle)
	r.POST(gatedPath+"/extra", d.handle)
	return r, d
}

func postUnlock(r http.Handler, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(AuthHeaderKey, "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func denialMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body DenialResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.ResponseMessage
}

func TestAdmission_IgnoresOtherRoutes(t *testing.T) {
	admitter := &stubAdmitter{}
	r, d := newAdmissionRouter(t, admitter, false, 0)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, gatedPath, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, d.called)

	w = postUnlock(r, gatedPath+"/extra", "", `{}`)
	assert.Equal(t, http.StatusOK, w.Code, "the gated path is matched exactly")
	assert.Zero(t, admitter.calls)
}

func TestAdmission_Allows(t *testing.T) {
	admitter := &stubAdmitter{balance: ticket.Balance{CoupleID: "c1", TicketCount: 2}}
	r, d := newAdmissionRouter(t, admitter, true, 0)

	body := `{"regions":"서울","note":"keep me"}`
	w := postUnlock(r, gatedPath, "paired", body)

	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, d.called)
	assert.Equal(t, body, d.body, "the next stage receives the body unchanged")
	assert.Equal(t, `"서울"`, d.regions)
	assert.Equal(t, `"서울"`, d.headers.Get(HeaderRegions))
	assert.Equal(t, "u1", d.headers.Get(HeaderUserID))
	assert.Equal(t, "c1", d.headers.Get(HeaderCoupleID))
	assert.Equal(t, []string{"c1"}, admitter.coupleIDs)
	assert.Equal(t, []string{"paired"}, admitter.tokens)
}

func TestAdmission_NormalizesRegionArrays(t *testing.T) {
	r, d := newAdmissionRouter(t, &stubAdmitter{}, true, 0)

	w := postUnlock(r, gatedPath, "paired", `{"regions":[" 서울 ","부산",""]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `["서울","부산"]`, d.regions)
}

func TestAdmission_DecodesTokenWithoutJWTMiddleware(t *testing.T) {
	admitter := &stubAdmitter{}
	r, d := newAdmissionRouter(t, admitter, false, 0)

	w := postUnlock(r, gatedPath, "paired", `{"regions":"서울"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, d.called)
	assert.Equal(t, []string{"c1"}, admitter.coupleIDs)

	w = postUnlock(r, gatedPath, "forged", `{"regions":"서울"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ticket.MessageAuthentication, denialMessage(t, w))
	assert.Equal(t, 1, admitter.calls)
}

func TestAdmission_AuthenticationFailures(t *testing.T) {
	for _, withJWT := range []bool{true, false} {
		admitter := &stubAdmitter{}
		r, d := newAdmissionRouter(t, admitter, withJWT, 0)

		w := postUnlock(r, gatedPath, "", `{"regions":"서울"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, ticket.MessageAuthentication, denialMessage(t, w))

		w = postUnlock(r, gatedPath, "forged", `{"regions":"서울"}`)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		assert.False(t, d.called)
		assert.Zero(t, admitter.calls)
	}
}

func TestAdmission_PairingIncomplete(t *testing.T) {
	admitter := &stubAdmitter{}
	r, d := newAdmissionRouter(t, admitter, true, 0)

	w := postUnlock(r, gatedPath, "unpaired", `{"regions":"서울"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, ticket.MessagePairingIncomplete, denialMessage(t, w))
	assert.False(t, d.called)
	assert.Zero(t, admitter.calls)
}

func TestAdmission_ValidationFailures(t *testing.T) {
	bodies := []string{
		``,
		`not json`,
		`{}`,
		`{"regions":null}`,
		`{"regions":"   "}`,
		`{"regions":[]}`,
		`{"regions":["", " "]}`,
		`{"regions":[1,2]}`,
		`{"regions":{"city":"서울"}}`,
	}
	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			admitter := &stubAdmitter{}
			r, d := newAdmissionRouter(t, admitter, true, 0)

			w := postUnlock(r, gatedPath, "paired", body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, ticket.MessageValidation, denialMessage(t, w))
			assert.False(t, d.called)
			assert.Zero(t, admitter.calls)
		})
	}
}

func TestAdmission_BodyTooLarge(t *testing.T) {
	admitter := &stubAdmitter{}
	r, _ := newAdmissionRouter(t, admitter, true, 32)

	w := postUnlock(r, gatedPath, "paired", `{"regions":"`+strings.Repeat("a", 64)+`"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, admitter.calls)
}

func TestAdmission_ServiceDenials(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{name: "no tickets", err: ticket.ErrNoTicketsRemaining, status: http.StatusForbidden, message: ticket.MessageNoTicketsRemaining},
		{name: "upstream", err: ticket.UpstreamUnavailableError(errors.New("dial tcp 10.0.0.7:8080: refused")), status: http.StatusForbidden, message: ticket.MessageUpstreamUnavailable},
		{name: "internal", err: ticket.InternalError(errors.New("redis: pool exhausted")), status: http.StatusForbidden, message: ticket.MessageInternal},
		{name: "untyped", err: errors.New("panic: secret stack trace"), status: http.StatusForbidden, message: ticket.MessageInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, d := newAdmissionRouter(t, &stubAdmitter{err: tt.err}, true, 0)

			w := postUnlock(r, gatedPath, "paired", `{"regions":"서울"}`)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.message, denialMessage(t, w))
			assert.NotContains(t, w.Body.String(), "redis")
			assert.NotContains(t, w.Body.String(), "10.0.0.7")
			assert.NotContains(t, w.Body.String(), "secret")
			assert.False(t, d.called)
		})
	}
}

func TestStatusForReason(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusForReason(ticket.ReasonAuthentication))
	assert.Equal(t, http.StatusBadRequest, StatusForReason(ticket.ReasonValidation))
	for _, reason := range []ticket.Reason{
		ticket.ReasonPairingIncomplete,
		ticket.ReasonUpstreamUnavailable,
		ticket.ReasonNoTicketsRemaining,
		ticket.ReasonInternal,
	} {
		assert.Equal(t, http.StatusForbidden, StatusForReason(reason), reason)
	}
}

// End-to-end through the JWT middleware, the filter, the service and the in-memory store.

type countingSource struct {
	mu       sync.Mutex
	balances map[string]ticket.Balance
	calls    int
}

func (s *countingSource) FetchBalance(_ context.Context, authToken string) (ticket.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	b, ok := s.balances[authToken]
	if !ok {
		return ticket.Balance{}, ticket.UpstreamUnavailableError(errors.New("unknown caller"))
	}
	return b, nil
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []ticket.ChangeEvent
}

func (p *capturingPublisher) Publish(_ context.Context, evt ticket.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

type gatewayFixture struct {
	router *gin.Engine
	store  *cache.InMemoryTicketStore
	source *countingSource
	events *capturingPublisher
	next   *downstream
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	authn := &fakeAuthenticator{identities: map[string]auth.Identity{
		"tok-c1": {UserID: "u1", CoupleID: "c1"},
		"tok-c2": {UserID: "u2", CoupleID: "c2"},
		"tok-c3": {UserID: "u3", CoupleID: "c3"},
	}}
	f := &gatewayFixture{
		store: cache.NewInMemoryTicketStore(0),
		source: &countingSource{balances: map[string]ticket.Balance{
			"tok-c2": {CoupleID: "c2", TicketCount: 5},
		}},
		events: &capturingPublisher{},
		next:   &downstream{},
	}
	now := time.Date(2025, 10, 14, 9, 0, 0, 0, time.UTC)
	svc := admission.NewService(f.store, f.source, f.events,
		admission.WithClock(func() time.Time { return now }),
		admission.WithLogger(zaptest.NewLogger(t)),
	)

	f.router = gin.New()
	f.router.Use(JWTAuthMiddlewareWithConfig(JWTMiddlewareConfig{
		Authenticator:      authn,
		PublicPathPrefixes: []string{"/actuator/"},
		DeferPaths:         []string{gatedPath},
	}))
	f.router.Use(Admission(AdmissionConfig{
		GatedPath:     gatedPath,
		Admitter:      svc,
		Authenticator: authn,
	}))
	f.router.POST(gatedPath, f.next.handle)
	return f
}

func (f *gatewayFixture) seed(t *testing.T, coupleID string, count int) {
	t.Helper()
	b, err := ticket.NewBalance(coupleID, count, time.Date(2025, 10, 13, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), b))
}

func (f *gatewayFixture) count(t *testing.T, coupleID string) int {
	t.Helper()
	b, err := f.store.Get(context.Background(), coupleID)
	require.NoError(t, err)
	return b.TicketCount
}

func TestGateway_CachedBalanceIsDecremented(t *testing.T) {
	f := newGatewayFixture(t)
	f.seed(t, "c1", 3)

	w := postUnlock(f.router, gatedPath, "tok-c1", `{"regions":"서울"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.next.called)
	assert.Equal(t, `{"regions":"서울"}`, f.next.body)
	assert.Equal(t, 2, f.count(t, "c1"))
	require.Len(t, f.events.events, 1)
	assert.Equal(t, "c1", f.events.events[0].CoupleID)
	assert.Equal(t, 2, f.events.events[0].Balance.TicketCount)
	assert.Zero(t, f.source.calls)
}

func TestGateway_CacheMissFetchesThenDecrements(t *testing.T) {
	f := newGatewayFixture(t)

	w := postUnlock(f.router, gatedPath, "tok-c2", `{"regions":["서울"]}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.next.called)
	assert.Equal(t, 1, f.source.calls)
	assert.Equal(t, 4, f.count(t, "c2"))
	assert.Len(t, f.events.events, 1)
}

func TestGateway_ExhaustedBalanceIsDenied(t *testing.T) {
	f := newGatewayFixture(t)
	f.seed(t, "c3", 0)
	before, ok := f.store.Raw("c3")
	require.True(t, ok)

	w := postUnlock(f.router, gatedPath, "tok-c3", `{"regions":"서울"}`)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"responseMessage":"티켓이 없습니다."}`, w.Body.String())
	after, ok := f.store.Raw("c3")
	require.True(t, ok)
	assert.Equal(t, before, after, "a denied request leaves the cache unchanged")
	assert.False(t, f.next.called)
	assert.Empty(t, f.events.events)
}

func TestGateway_MissingAuthorizationIsRejected(t *testing.T) {
	f := newGatewayFixture(t)
	f.seed(t, "c1", 3)

	w := postUnlock(f.router, gatedPath, "", `{"regions":"서울"}`)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, ticket.MessageAuthentication, denialMessage(t, w))
	assert.Zero(t, f.source.calls)
	assert.Equal(t, 3, f.count(t, "c1"))
	assert.Empty(t, f.events.events)
	assert.False(t, f.next.called)
}
