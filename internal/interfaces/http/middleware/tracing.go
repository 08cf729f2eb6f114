package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loventure/gateway/internal/infrastructure/logger"
)

// TracingConfig holds configuration for the tracing middleware.
type TracingConfig struct {
	// ServiceName is the name of the service for trace identification.
	ServiceName string
	// Enabled controls whether tracing is active.
	Enabled bool
	// Filters excludes requests from tracing when any returns false.
	Filters []otelgin.Filter
}

// TracingWithConfig returns OpenTelemetry tracing middleware.
func TracingWithConfig(cfg TracingConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	opts := make([]otelgin.Option, 0, len(cfg.Filters))
	for _, f := range cfg.Filters {
		opts = append(opts, otelgin.WithFilter(f))
	}
	return otelgin.Middleware(cfg.ServiceName, opts...)
}

// SkipPaths returns an otelgin filter that drops the given paths from tracing.
func SkipPaths(paths ...string) otelgin.Filter {
	skip := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		skip[p] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := skip[r.URL.Path]
		return !ok
	}
}

// SpanEnricher adds identity attributes to the current span after the chain has run
// and marks 4xx and 5xx responses as errors.
// It must be placed after the tracing middleware.
func SpanEnricher() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		span := trace.SpanFromContext(c.Request.Context())
		if !span.IsRecording() {
			return
		}

		if requestID := c.GetString(logger.GinRequestIDKey); requestID != "" {
			span.SetAttributes(attribute.String("request_id", requestID))
		}
		if userID := c.GetString(JWTUserIDKey); userID != "" {
			span.SetAttributes(attribute.String("user_id", userID))
		}
		if coupleID := c.GetString(JWTCoupleIDKey); coupleID != "" {
			span.SetAttributes(attribute.String("couple_id", coupleID))
		}

		status := c.Writer.Status()
		if status < http.StatusBadRequest {
			return
		}
		span.SetStatus(codes.Error, http.StatusText(status))
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
}
