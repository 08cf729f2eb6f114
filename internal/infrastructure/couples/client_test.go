package couples

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, url string, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = url
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	c, err := NewClient(cfg, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return c
}

func TestNewClient(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	c, err := NewClient(Config{BaseURL: "http://couples.local/", TicketPath: "/api/couples/ticket"})
	require.NoError(t, err)
	assert.Equal(t, "http://couples.local/api/couples/ticket", c.Endpoint())
	assert.Equal(t, 5*time.Second, c.timeout)
	assert.Equal(t, 3, c.maxAttempts)
	assert.Equal(t, time.Second, c.initialBackoff)
}

func TestClient_FetchBalance_Success(t *testing.T) {
	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/couples/ticket", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","coupleId":123,"tickat":5,"reroll":1,"loveDay":100,"lastSyncedAt":"2025-10-14T00:00:00+09:00"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{TicketPath: "/api/couples/ticket"})

	b, err := c.FetchBalance(context.Background(), "tok-123")
	require.NoError(t, err)
	assert.Equal(t, "123", b.CoupleID)
	assert.Equal(t, 5, b.TicketCount)
	assert.False(t, b.LastSyncedAt.IsZero())
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
}

func TestClient_FetchBalance_FieldNames(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		count int
	}{
		{name: "ticketCount", body: `{"coupleId":"c2","ticketCount":5}`, count: 5},
		{name: "ticket", body: `{"coupleId":"c2","ticket":4}`, count: 4},
		{name: "tickat", body: `{"coupleId":"c2","tickat":3}`, count: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			b, err := newTestClient(t, srv.URL, Config{}).FetchBalance(context.Background(), "tok")
			require.NoError(t, err)
			assert.Equal(t, tt.count, b.TicketCount)
		})
	}
}

func TestClient_FetchBalance_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"coupleId":"c1","ticket":2}`))
	}))
	defer srv.Close()

	b, err := newTestClient(t, srv.URL, Config{MaxAttempts: 3}).FetchBalance(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, b.TicketCount)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_FetchBalance_RetriesTooManyRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"coupleId":"c1","ticket":1}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, Config{}).FetchBalance(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_FetchBalance_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, Config{MaxAttempts: 3}).FetchBalance(context.Background(), "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
	assert.Equal(t, int32(3), calls.Load())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Body)
}

func TestClient_FetchBalance_DoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL, Config{MaxAttempts: 3}).FetchBalance(context.Background(), "tok")
			require.Error(t, err)
			assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
			assert.Equal(t, int32(1), calls.Load())

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, status, apiErr.StatusCode)
			assert.False(t, apiErr.Retriable)
		})
	}
}

func TestClient_FetchBalance_DoesNotRetryMalformedBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"ticket":3}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, Config{}).FetchBalance(context.Background(), "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, ticket.ErrMalformedBalance)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FetchBalance_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, Config{}).FetchBalance(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrEmptyResponse)
	assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
}

func TestClient_FetchBalance_TimeoutPerAttempt(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, Config{Timeout: 20 * time.Millisecond, MaxAttempts: 2})

	_, err := c.FetchBalance(context.Background(), "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
	assert.Equal(t, int32(2), calls.Load(), "timeouts are retriable")
}

func TestClient_FetchBalance_CallerCancellationStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, Config{Timeout: time.Second, MaxAttempts: 3})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.FetchBalance(ctx, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FetchBalance_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url, Config{MaxAttempts: 2}).FetchBalance(context.Background(), "tok")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 0, apiErr.StatusCode)
	assert.True(t, apiErr.Retriable)
}

func TestClient_FetchBalance_EmptyToken(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", Config{})
	_, err := c.FetchBalance(context.Background(), " ")
	assert.ErrorIs(t, err, ErrEmptyToken)
	assert.ErrorIs(t, err, ticket.ErrUpstreamUnavailable)
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := parseRetryAfter("2")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = parseRetryAfter("")
	assert.False(t, ok)

	_, ok = parseRetryAfter("soon")
	assert.False(t, ok)

	d, ok = parseRetryAfter(time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat))
	assert.True(t, ok)
	assert.Zero(t, d)
}

func TestHintedBackOff(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", Config{InitialBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond})
	b := &hintedBackOff{exp: c.newExponential(), max: c.maxBackoff}

	b.setHint(time.Hour)
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff(), "hint is capped")
	assert.LessOrEqual(t, b.NextBackOff(), 10*time.Millisecond, "hint is used once")
}
