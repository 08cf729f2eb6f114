// Package auth verifies the bearer tokens issued by the auth service.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/loventure/gateway/internal/infrastructure/config"
)

// Claim names written by the auth service
const (
	ClaimUserID   = "userId"
	ClaimCoupleID = "coupleId"
)

// Common errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token has expired")
	ErrMissingUserID  = errors.New("missing userId in claims")
	ErrEmptySecret    = errors.New("jwt secret is empty")
	ErrUnsignedMethod = errors.New("unexpected signing method")
)

// Identity is the caller decoded from a verified token.
// CoupleID is empty until the user has been paired with a partner.
type Identity struct {
	UserID   string
	CoupleID string
}

// Paired reports whether the caller belongs to a couple.
func (i Identity) Paired() bool {
	return i.CoupleID != ""
}

// Authenticator verifies bearer tokens
type Authenticator interface {
	Verify(token string) (*Identity, error)
}

// JWTAuthenticator verifies HMAC-signed tokens
type JWTAuthenticator struct {
	key    []byte
	leeway time.Duration
	now    func() time.Time
}

// Option configures a JWTAuthenticator
type Option func(*JWTAuthenticator)

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(a *JWTAuthenticator) {
		a.leeway = d
	}
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(a *JWTAuthenticator) {
		a.now = now
	}
}

// NewJWTAuthenticator creates an authenticator for the configured secret.
func NewJWTAuthenticator(cfg config.JWTConfig, opts ...Option) (*JWTAuthenticator, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrEmptySecret
	}

	a := &JWTAuthenticator{key: key, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Verify checks the signature and time claims, then extracts the caller identity.
// userId and coupleId may be issued as strings or numbers.
func (a *JWTAuthenticator) Verify(tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
		jwt.WithJSONNumber(),
	)

	claims := jwt.MapClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnsignedMethod
		}
		return a.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, err := stringClaim(claims, ClaimUserID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, ErrMissingUserID
	}

	coupleID, err := stringClaim(claims, ClaimCoupleID)
	if err != nil {
		return nil, err
	}

	return &Identity{UserID: userID, CoupleID: coupleID}, nil
}

// stringClaim returns an optional identifier claim as a string.
func stringClaim(claims jwt.MapClaims, name string) (string, error) {
	v, ok := claims[name]
	if !ok || v == nil {
		return "", nil
	}
	if str, isString := v.(string); isString && strings.TrimSpace(str) == "" {
		return "", nil
	}
	s, err := ticket.CoerceCoupleID(v)
	if err != nil {
		return "", fmt.Errorf("%w: claim %s: %v", ErrInvalidToken, name, err)
	}
	return s, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// Ensure JWTAuthenticator implements Authenticator
var _ Authenticator = (*JWTAuthenticator)(nil)
