// Package couples is the HTTP client for the couples service, the system of record for ticket balances.
package couples

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loventure/gateway/internal/domain/ticket"
	"go.uber.org/zap"
)

const maxErrorBodyBytes = 1 << 10

// Config holds client settings
type Config struct {
	BaseURL        string
	TicketPath     string
	Timeout        time.Duration // per attempt
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client fetches authoritative ticket balances, forwarding the caller's credential.
type Client struct {
	httpClient     *http.Client
	endpoint       string
	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	logger         *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a couples service client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("couples base URL is required")
	}

	c := &Client{
		httpClient:     &http.Client{},
		endpoint:       strings.TrimRight(cfg.BaseURL, "/") + cfg.TicketPath,
		timeout:        cfg.Timeout,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		logger:         zap.NewNop(),
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = time.Second
	}
	if c.maxBackoff < c.initialBackoff {
		c.maxBackoff = c.initialBackoff
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the resolved ticket endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// FetchBalance returns the caller's balance.
// Transport errors, 429 and 5xx responses are retried with exponential backoff;
// any other failure is returned immediately. Every error is an UPSTREAM_UNAVAILABLE denial.
func (c *Client) FetchBalance(ctx context.Context, authToken string) (ticket.Balance, error) {
	if strings.TrimSpace(authToken) == "" {
		return ticket.Balance{}, ticket.UpstreamUnavailableError(ErrEmptyToken)
	}

	policy := &hintedBackOff{exp: c.newExponential(), max: c.maxBackoff}
	attempt := 0
	start := time.Now()

	balance, err := backoff.Retry(ctx, func() (ticket.Balance, error) {
		attempt++
		b, err := c.fetchOnce(ctx, authToken)
		if err == nil {
			return b, nil
		}

		var hinted *retryAfterError
		if errors.As(err, &hinted) {
			policy.setHint(hinted.wait)
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Retriable {
			c.logger.Warn("couples service call failed, will retry",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.maxAttempts),
				zap.Int("status", apiErr.StatusCode),
				zap.Error(err),
			)
			return ticket.Balance{}, err
		}
		return ticket.Balance{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(_ error, wait time.Duration) {
			c.logger.Debug("backing off before next couples call", zap.Duration("wait", wait))
		}),
	)
	if err != nil {
		c.logger.Error("couples service fetch failed",
			zap.Int("attempts", attempt),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return ticket.Balance{}, ticket.UpstreamUnavailableError(err)
	}

	c.logger.Debug("fetched ticket balance",
		zap.String("couple_id", balance.CoupleID),
		zap.Int("ticket_count", balance.TicketCount),
		zap.Int("attempts", attempt),
		zap.Duration("elapsed", time.Since(start)),
	)
	return balance, nil
}

// fetchOnce performs a single bounded attempt.
func (c *Client) fetchOnce(ctx context.Context, authToken string) (ticket.Balance, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return ticket.Balance{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The caller giving up is not a reason to try again.
		if ctx.Err() != nil {
			return ticket.Balance{}, &APIError{Err: ctx.Err()}
		}
		return ticket.Balance{}, &APIError{Retriable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			Retriable:  isRetriableStatus(resp.StatusCode),
		}
		if apiErr.Retriable {
			if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
				return ticket.Balance{}, &retryAfterError{APIError: apiErr, wait: wait}
			}
		}
		return ticket.Balance{}, apiErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ticket.Balance{}, &APIError{StatusCode: resp.StatusCode, Err: ctx.Err()}
		}
		return ticket.Balance{}, &APIError{StatusCode: resp.StatusCode, Retriable: true, Err: err}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return ticket.Balance{}, &APIError{StatusCode: resp.StatusCode, Err: ErrEmptyResponse}
	}

	b, err := ticket.DecodeBalance(body)
	if err != nil {
		return ticket.Balance{}, &APIError{StatusCode: resp.StatusCode, Err: err}
	}
	return b, nil
}

func (c *Client) newExponential() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.initialBackoff
	exp.MaxInterval = c.maxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	return exp
}

// retryAfterError carries the server's requested wait alongside the API error.
type retryAfterError struct {
	*APIError
	wait time.Duration
}

func (e *retryAfterError) Unwrap() error {
	return e.APIError
}

// hintedBackOff is exponential backoff that defers once to a Retry-After hint, capped at max.
type hintedBackOff struct {
	exp     *backoff.ExponentialBackOff
	max     time.Duration
	hint    time.Duration
	hasHint bool
}

func (b *hintedBackOff) NextBackOff() time.Duration {
	if b.hasHint {
		b.hasHint = false
		return min(b.hint, b.max)
	}
	return b.exp.NextBackOff()
}

func (b *hintedBackOff) Reset() {
	b.hasHint = false
	b.exp.Reset()
}

func (b *hintedBackOff) setHint(d time.Duration) {
	b.hint = d
	b.hasHint = true
}

func parseRetryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// Ensure Client implements BalanceSource
var _ ticket.BalanceSource = (*Client)(nil)
