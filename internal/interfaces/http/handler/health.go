// Package handler serves the gateway's own liveness and actuator endpoints.
package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loventure/gateway/internal/infrastructure/cache"
	"github.com/loventure/gateway/internal/infrastructure/logger"
	"github.com/loventure/gateway/internal/infrastructure/scheduler"
	"github.com/loventure/gateway/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// Health statuses reported by the actuator endpoints.
const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// DefaultProbeTimeout bounds a single store probe.
const DefaultProbeTimeout = 2 * time.Second

// StoreInspector is the part of the ticket store the actuator reads.
type StoreInspector interface {
	Probe(ctx context.Context) error
	Stats(ctx context.Context) (cache.StoreStats, error)
}

// MaintenanceStatus reports the flush scheduler state.
type MaintenanceStatus interface {
	GetStatus() scheduler.FlushStatus
}

// HealthHandler serves /health and /actuator/*.
type HealthHandler struct {
	name         string
	version      string
	store        StoreInspector
	maintenance  MaintenanceStatus
	probeTimeout time.Duration
	startTime    time.Time
	now          func() time.Time
}

// HealthOption configures a HealthHandler.
type HealthOption func(*HealthHandler)

// WithVersion sets the version reported by /health.
func WithVersion(version string) HealthOption {
	return func(h *HealthHandler) {
		h.version = version
	}
}

// WithProbeTimeout bounds each store probe.
func WithProbeTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandler) {
		if d > 0 {
			h.probeTimeout = d
		}
	}
}

// NewHealthHandler creates a HealthHandler. maintenance may be nil.
func NewHealthHandler(name string, store StoreInspector, maintenance MaintenanceStatus, opts ...HealthOption) *HealthHandler {
	h := &HealthHandler{
		name:         name,
		version:      "dev",
		store:        store,
		maintenance:  maintenance,
		probeTimeout: DefaultProbeTimeout,
		startTime:    time.Now(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// LivenessResponse is the /health body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	GoVersion string `json:"goVersion"`
	Uptime    string `json:"uptime"`
}

// StoreHealthResponse is the /actuator/redis/health body.
type StoreHealthResponse struct {
	Status       string `json:"status"`
	Service      string `json:"service"`
	Operation    string `json:"operation,omitempty"`
	Error        string `json:"error,omitempty"`
	ResponseTime string `json:"responseTime"`
	Timestamp    int64  `json:"timestamp"`
}

// Liveness reports that the process is serving.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    StatusUp,
		Name:      h.name,
		Version:   h.version,
		GoVersion: runtime.Version(),
		Uptime:    h.now().Sub(h.startTime).Round(time.Second).String(),
	})
}

// StoreHealth runs a write/read/delete probe against the ticket store.
func (h *HealthHandler) StoreHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.probeTimeout)
	defer cancel()

	started := h.now()
	err := h.store.Probe(ctx)
	elapsed := h.now().Sub(started)

	resp := StoreHealthResponse{
		Service:      "Redis",
		ResponseTime: fmt.Sprintf("%dms", elapsed.Milliseconds()),
		Timestamp:    h.now().UnixMilli(),
	}
	if err != nil {
		logger.GetGinLogger(c).Error("ticket store probe failed",
			zap.Error(err),
			zap.Duration("elapsed", elapsed),
		)
		resp.Status = StatusDown
		resp.Error = "Probe Failed"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	resp.Status = StatusUp
	resp.Operation = "Read/Write OK"
	c.JSON(http.StatusOK, resp)
}

// StoreInfo reports connection pool stats and key count.
func (h *HealthHandler) StoreInfo(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.probeTimeout)
	defer cancel()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		logger.GetGinLogger(c).Error("failed to read ticket store stats", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse("STORE_UNAVAILABLE", "ticket store is unavailable"))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(stats))
}

// Maintenance reports the flush scheduler status.
func (h *HealthHandler) Maintenance(c *gin.Context) {
	if h.maintenance == nil {
		c.JSON(http.StatusOK, dto.NewSuccessResponse(scheduler.FlushStatus{}))
		return
	}
	c.JSON(http.StatusOK, dto.NewSuccessResponse(h.maintenance.GetStatus()))
}

// Register mounts the health routes on r.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/health", h.Liveness)
	r.GET("/actuator/redis/health", h.StoreHealth)
	r.GET("/actuator/redis/info", h.StoreInfo)
	r.GET("/actuator/maintenance", h.Maintenance)
}
