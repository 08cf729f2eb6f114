// Package router assembles the gateway's gin engine and forwards admitted
// requests to the downstream territory service.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/loventure/gateway/internal/domain/ticket"
	"github.com/loventure/gateway/internal/infrastructure/auth"
	"github.com/loventure/gateway/internal/infrastructure/logger"
	"github.com/loventure/gateway/internal/interfaces/http/dto"
	"github.com/loventure/gateway/internal/interfaces/http/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// DefaultGatedPath is the region unlock route.
const DefaultGatedPath = "/api/regions/unlock"

// ErrMissingDependency is returned when a required collaborator is nil.
var ErrMissingDependency = errors.New("router dependency missing")

// RouteRegistrar mounts a set of routes on the engine.
type RouteRegistrar interface {
	Register(r gin.IRoutes)
}

// Config controls the engine's middleware chain and routes.
type Config struct {
	ServiceName        string
	GatedPath          string
	DownstreamURL      string
	MaxBodyBytes       int64
	PublicPaths        []string
	PublicPathPrefixes []string
	TrustedProxies     []string
	TracingEnabled     bool
}

// Dependencies are the collaborators the engine routes to.
type Dependencies struct {
	Logger        *zap.Logger
	Authenticator auth.Authenticator
	Admitter      middleware.Admitter
	Registrars    []RouteRegistrar
}

// quietPaths are probed frequently; they are logged at debug and never traced.
var quietPaths = []string{"/health", "/actuator/redis/health"}

// New builds the gateway engine.
func New(cfg Config, deps Dependencies) (*gin.Engine, error) {
	if deps.Authenticator == nil || deps.Admitter == nil {
		return nil, fmt.Errorf("%w: authenticator and admitter are required", ErrMissingDependency)
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	gated := cfg.GatedPath
	if gated == "" {
		gated = DefaultGatedPath
	}

	forward, err := downstreamHandler(cfg.DownstreamURL, log)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("failed to set trusted proxies: %w", err)
	}

	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		logger.GinMiddleware(log, quietPaths...),
		middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: cfg.ServiceName,
			Enabled:     cfg.TracingEnabled,
			Filters:     []otelgin.Filter{middleware.SkipPaths(quietPaths...)},
		}),
		middleware.SpanEnricher(),
		middleware.BodyLimit(cfg.MaxBodyBytes),
		middleware.Secure(),
		middleware.JWTAuthMiddlewareWithConfig(middleware.JWTMiddlewareConfig{
			Authenticator:      deps.Authenticator,
			PublicPaths:        cfg.PublicPaths,
			PublicPathPrefixes: cfg.PublicPathPrefixes,
			DeferPaths:         []string{gated},
			Logger:             log,
		}),
		middleware.Admission(middleware.AdmissionConfig{
			GatedPath:     gated,
			Admitter:      deps.Admitter,
			Authenticator: deps.Authenticator,
			MaxBodyBytes:  cfg.MaxBodyBytes,
			Logger:        log,
		}),
	)

	for _, r := range deps.Registrars {
		r.Register(engine)
	}
	engine.POST(gated, forward)

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, dto.NewErrorResponse("NOT_FOUND", "요청한 경로를 찾을 수 없습니다."))
	})
	return engine, nil
}

// downstreamHandler forwards admitted requests to rawURL. With no URL configured
// the gateway answers the unlock itself with the admission outcome.
func downstreamHandler(rawURL string, log *zap.Logger) (gin.HandlerFunc, error) {
	if rawURL == "" {
		log.Warn("no downstream configured, unlock requests are answered locally")
		return localUnlock, nil
	}
	target, err := url.Parse(rawURL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid downstream url %q", rawURL)
	}
	return gin.WrapH(NewDownstreamProxy(target)), nil
}

// NewDownstreamProxy returns a reverse proxy to target. Admission headers set
// on the inbound request are carried to the downstream.
func NewDownstreamProxy(target *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.FromContext(r.Context()).Error("downstream request failed",
				zap.String("target", target.Host),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(dto.NewErrorResponse("DOWNSTREAM_UNAVAILABLE", "downstream service is unavailable"))
		},
	}
}

// UnlockResult is the local unlock response body.
type UnlockResult struct {
	Regions          string `json:"regions"`
	RemainingTickets int    `json:"remainingTickets"`
}

func localUnlock(c *gin.Context) {
	result := UnlockResult{Regions: c.GetString(middleware.RegionsKey)}
	if v, ok := c.Get(middleware.BalanceKey); ok {
		if b, ok := v.(ticket.Balance); ok {
			result.RemainingTickets = b.TicketCount
		}
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(result))
}
