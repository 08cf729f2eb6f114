package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/loventure/gateway/internal/infrastructure/auth"
	"github.com/loventure/gateway/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// Keys and headers set for the downstream on admission
const (
	RegionsKey     = "regions"
	BalanceKey     = "ticket_balance"
	HeaderRegions  = "X-Regions"
	HeaderUserID   = "X-User-Id"
	HeaderCoupleID = "X-Couple-Id"
)

// DefaultAdmissionMaxBody bounds the gated request body when no limit is configured.
const DefaultAdmissionMaxBody int64 = 64 << 10

var errBodyTooLarge = errors.New("request body exceeds the admission limit")

// Admitter decides whether a couple may spend a ticket.
type Admitter interface {
	Evaluate(ctx context.Context, coupleID, authToken string) (ticket.Balance, error)
}

// AdmissionConfig holds configuration for the admission filter
type AdmissionConfig struct {
	// GatedPath is matched exactly; only POST requests to it are gated
	GatedPath string
	// Admitter is required
	Admitter Admitter
	// Authenticator decodes the bearer token when no identity is in the context
	Authenticator auth.Authenticator
	// MaxBodyBytes bounds how much of the body is buffered
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Admission returns the ticket-gated admission filter.
// Denials are written as DenialResponse and never carry internal error text.
func Admission(cfg AdmissionConfig) gin.HandlerFunc {
	base := cfg.Logger
	if base == nil {
		base = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultAdmissionMaxBody
	}

	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost || c.Request.URL.Path != cfg.GatedPath {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		log := logger.WithLogger(ctx, base)

		token, hasToken := auth.BearerToken(c.GetHeader(AuthHeaderKey))
		identity, ok := GetIdentity(c)
		if !ok {
			if !hasToken || cfg.Authenticator == nil {
				abortWithDenial(c, log, ticket.AuthenticationError(errors.New("no bearer token")))
				return
			}
			verified, err := cfg.Authenticator.Verify(token)
			if err != nil {
				abortWithDenial(c, log, ticket.AuthenticationError(err))
				return
			}
			identity = verified
			SetIdentity(c, identity)
			ctx = c.Request.Context()
			log = logger.WithLogger(ctx, base)
		}
		if identity.UserID == "" || !hasToken {
			abortWithDenial(c, log, ticket.AuthenticationError(auth.ErrMissingUserID))
			return
		}
		if !identity.Paired() {
			abortWithDenial(c, log, ticket.ErrPairingIncomplete)
			return
		}

		body, err := readAndRestoreBody(c.Request, maxBody)
		if err != nil {
			abortWithDenial(c, log, ticket.ValidationError(err))
			return
		}
		regions, err := extractRegions(body)
		if err != nil {
			abortWithDenial(c, log, err)
			return
		}

		balance, err := cfg.Admitter.Evaluate(ctx, identity.CoupleID, token)
		if err != nil {
			abortWithDenial(c, log, err)
			return
		}

		c.Set(RegionsKey, regions)
		c.Set(BalanceKey, balance)
		c.Request.Header.Set(HeaderRegions, regions)
		c.Request.Header.Set(HeaderUserID, identity.UserID)
		c.Request.Header.Set(HeaderCoupleID, identity.CoupleID)

		c.Next()
	}
}

// readAndRestoreBody buffers up to limit bytes and puts an identical reader back on the request.
func readAndRestoreBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

func extractRegions(body []byte) (string, error) {
	var payload struct {
		Regions json.RawMessage `json:"regions"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", ticket.ValidationError(errors.New("request body is empty"))
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ticket.ValidationError(err)
	}
	return ticket.NormalizeRegions(payload.Regions)
}

// StatusForReason maps a denial reason to its HTTP status.
func StatusForReason(reason ticket.Reason) int {
	switch reason {
	case ticket.ReasonAuthentication:
		return http.StatusUnauthorized
	case ticket.ReasonValidation:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

func abortWithDenial(c *gin.Context, log *logger.ContextLogger, err error) {
	denial := ticket.AsAdmissionError(err)
	status := StatusForReason(denial.Reason)

	// Service denials are logged by the service itself.
	switch denial.Reason {
	case ticket.ReasonAuthentication, ticket.ReasonPairingIncomplete, ticket.ReasonValidation:
		log.Info("admission rejected",
			zap.String("reason", string(denial.Reason)),
			zap.Int("status", status),
			zap.Error(denial.Err),
		)
	}

	c.AbortWithStatusJSON(status, DenialResponse{ResponseMessage: denial.Message})
}
