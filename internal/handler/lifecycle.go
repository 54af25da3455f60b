package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"go.uber.org/zap"
)

// LifecycleHandler exposes lifecycle validation of recorded histories.
type LifecycleHandler struct {
	rec    *recorder.Recorder
	logger *zap.Logger
}

// NewLifecycleHandler creates a new LifecycleHandler.
func NewLifecycleHandler(rec *recorder.Recorder, logger *zap.Logger) *LifecycleHandler {
	return &LifecycleHandler{rec: rec, logger: logger}
}

// Register mounts the lifecycle routes on the given router group.
func (h *LifecycleHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/lifecycle/:subject_type/:subject_id", h.Validate)
}

// Validate handles GET /lifecycle/:subject_type/:subject_id.
func (h *LifecycleHandler) Validate(c *gin.Context) {
	st, err := ledger.ParseSubjectType(c.Param("subject_type"))
	if err != nil {
		writeError(c, h.logger, "validate lifecycle", err)
		return
	}
	res, err := h.rec.ValidateLifecycle(c.Request.Context(), st, c.Param("subject_id"))
	if err != nil {
		writeError(c, h.logger, "validate lifecycle", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
