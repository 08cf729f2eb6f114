package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loventure/gateway/internal/infrastructure/logger"
	"github.com/loventure/gateway/internal/infrastructure/scheduler"
	"github.com/loventure/gateway/internal/interfaces/http/dto"
	"go.uber.org/zap"
)

// MaintenanceFlushPath is the operator route that flushes the ticket cache now.
// It sits behind the JWT middleware and additionally requires the operator key.
const MaintenanceFlushPath = "/api/maintenance/flush"

// HeaderOperatorKey carries the maintenance operator key.
const HeaderOperatorKey = "X-Operator-Key"

// ManualFlusher runs an out-of-schedule cache flush.
type ManualFlusher interface {
	TriggerManualFlush(ctx context.Context) error
	GetStatus() scheduler.FlushStatus
}

// MaintenanceHandler serves operator maintenance actions.
type MaintenanceHandler struct {
	flusher     ManualFlusher
	operatorKey []byte
}

// NewMaintenanceHandler creates a MaintenanceHandler. An empty operatorKey rejects every call.
func NewMaintenanceHandler(flusher ManualFlusher, operatorKey string) *MaintenanceHandler {
	return &MaintenanceHandler{flusher: flusher, operatorKey: []byte(operatorKey)}
}

// Flush clears the ticket cache immediately.
func (h *MaintenanceHandler) Flush(c *gin.Context) {
	key := []byte(c.GetHeader(HeaderOperatorKey))
	if len(h.operatorKey) == 0 || subtle.ConstantTimeCompare(key, h.operatorKey) != 1 {
		c.JSON(http.StatusForbidden, dto.NewErrorResponse("OPERATOR_KEY_INVALID", "operator key is missing or invalid"))
		return
	}

	log := logger.GetGinLogger(c)
	err := h.flusher.TriggerManualFlush(c.Request.Context())
	switch {
	case err == nil:
		log.Info("manual ticket cache flush completed")
		c.JSON(http.StatusOK, dto.NewSuccessResponse(h.flusher.GetStatus()))
	case errors.Is(err, scheduler.ErrFlushInProgress):
		c.JSON(http.StatusConflict, dto.NewErrorResponse("FLUSH_IN_PROGRESS", "a cache flush is already running"))
	case errors.Is(err, scheduler.ErrFlushDisabled), errors.Is(err, scheduler.ErrSchedulerNotRunning):
		c.JSON(http.StatusConflict, dto.NewErrorResponse("FLUSH_UNAVAILABLE", "cache flush is not available"))
	default:
		log.Error("manual ticket cache flush failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, dto.NewErrorResponse("FLUSH_FAILED", "cache flush failed"))
	}
}

// Register mounts the maintenance routes on r.
func (h *MaintenanceHandler) Register(r gin.IRoutes) {
	r.POST(MaintenanceFlushPath, h.Flush)
}
