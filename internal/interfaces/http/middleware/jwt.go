package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/loventure/gateway/internal/infrastructure/auth"
	"github.com/loventure/gateway/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// JWT context keys
const (
	JWTIdentityKey = "jwt_identity"
	JWTUserIDKey   = logger.GinUserIDKey
	JWTCoupleIDKey = logger.GinCoupleIDKey
	AuthHeaderKey  = "Authorization"
)

// Gateway authentication error codes
const (
	CodeAuthHeaderMissing   = "AUTH_HEADER_MISSING"
	CodeInvalidHeaderFormat = "INVALID_HEADER_FORMAT"
	CodeInvalidJWT          = "INVALID_JWT"
)

// JWTMiddlewareConfig holds configuration for JWT middleware
type JWTMiddlewareConfig struct {
	// Authenticator is required for token validation
	Authenticator auth.Authenticator
	// PublicPaths are paths that don't require authentication
	PublicPaths []string
	// PublicPathPrefixes are path prefixes that don't require authentication
	PublicPathPrefixes []string
	// DeferPaths are authenticated when possible, but failures are left to a later handler
	DeferPaths []string
	// Logger for middleware logging
	Logger *zap.Logger
}

// JWTAuthMiddlewareWithConfig creates JWT authentication middleware with custom config
func JWTAuthMiddlewareWithConfig(cfg JWTMiddlewareConfig) gin.HandlerFunc {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	public := make(map[string]struct{}, len(cfg.PublicPaths))
	for _, p := range cfg.PublicPaths {
		public[p] = struct{}{}
	}
	deferred := make(map[string]struct{}, len(cfg.DeferPaths))
	for _, p := range cfg.DeferPaths {
		deferred[p] = struct{}{}
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if _, ok := public[path]; ok {
			c.Next()
			return
		}
		for _, prefix := range cfg.PublicPathPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}
		_, isDeferred := deferred[path]

		authHeader := c.GetHeader(AuthHeaderKey)
		if strings.TrimSpace(authHeader) == "" {
			if isDeferred {
				c.Next()
				return
			}
			log.Debug("JWT authentication failed", zap.String("path", path), zap.String("code", CodeAuthHeaderMissing))
			abortWithGatewayError(c, http.StatusUnauthorized,
				"인증 헤더가 없습니다.", CodeAuthHeaderMissing, "Authorization 헤더가 필요합니다.")
			return
		}

		token, ok := auth.BearerToken(authHeader)
		if !ok {
			if isDeferred {
				c.Next()
				return
			}
			log.Debug("JWT authentication failed", zap.String("path", path), zap.String("code", CodeInvalidHeaderFormat))
			abortWithGatewayError(c, http.StatusUnauthorized,
				"Bearer 형식이 아닙니다.", CodeInvalidHeaderFormat, "Authorization: Bearer <token> 형식이어야 합니다.")
			return
		}

		identity, err := cfg.Authenticator.Verify(token)
		if err != nil {
			if isDeferred {
				c.Next()
				return
			}
			log.Warn("JWT authentication failed",
				zap.String("path", path),
				zap.Bool("expired", errors.Is(err, auth.ErrExpiredToken)),
				zap.Error(err),
			)
			abortWithGatewayError(c, http.StatusUnauthorized,
				"JWT 토큰이 유효하지 않습니다.", CodeInvalidJWT, "토큰이 만료되었거나 변조되었습니다.")
			return
		}

		SetIdentity(c, identity)

		log.Debug("JWT authentication successful",
			zap.String("user_id", identity.UserID),
			zap.String("couple_id", identity.CoupleID),
		)

		c.Next()
	}
}

// SetIdentity stores the caller identity in the gin context and in the request logger.
func SetIdentity(c *gin.Context, identity *auth.Identity) {
	c.Set(JWTIdentityKey, identity)
	c.Set(JWTUserIDKey, identity.UserID)
	if identity.CoupleID != "" {
		c.Set(JWTCoupleIDKey, identity.CoupleID)
	}

	ctx := c.Request.Context()
	ctx, enriched := logger.WithIdentity(ctx, logger.FromContext(ctx), identity.UserID, identity.CoupleID)
	c.Request = c.Request.WithContext(ctx)
	c.Set(logger.GinLoggerKey, enriched)
}

// GetIdentity retrieves the authenticated identity from gin.Context
func GetIdentity(c *gin.Context) (*auth.Identity, bool) {
	if v, exists := c.Get(JWTIdentityKey); exists {
		if identity, ok := v.(*auth.Identity); ok && identity != nil {
			return identity, true
		}
	}
	return nil, false
}
