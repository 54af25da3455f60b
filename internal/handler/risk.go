package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"go.uber.org/zap"
)

// BulkRecomputer runs a synchronous recomputation of every known user.
type BulkRecomputer interface {
	RecomputeAll(ctx context.Context) (*recalc.BulkResult, error)
}

// RiskHandler exposes stored risk scores and on-demand recomputation.
type RiskHandler struct {
	rec    *recorder.Recorder
	bulk   BulkRecomputer
	logger *zap.Logger
}

// NewRiskHandler creates a new RiskHandler.
func NewRiskHandler(rec *recorder.Recorder, bulk BulkRecomputer, logger *zap.Logger) *RiskHandler {
	return &RiskHandler{rec: rec, bulk: bulk, logger: logger}
}

// Register mounts the risk routes on the given router group. Recompute
// routes run behind auth when it is non-nil; bulk recomputation is limited
// to ADMIN callers.
func (h *RiskHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	r := rg.Group("/risk")
	r.GET("/:user_id", h.Get)

	w := r.Group("", handlers(auth)...)
	{
		w.POST("/:user_id/recompute", h.Recompute)
		w.POST("/recompute", append(handlers(requireRoleIfAuthed(auth, lifecycle.RoleAdmin)), h.RecomputeAll)...)
	}
}

// Get handles GET /risk/:user_id.
func (h *RiskHandler) Get(c *gin.Context) {
	id, err := userIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rs, err := h.rec.GetRiskScore(c.Request.Context(), id)
	if err != nil {
		writeError(c, h.logger, "get risk score", err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

type recomputeRequest struct {
	Reason string `json:"reason"`
}

// Recompute handles POST /risk/:user_id/recompute.
func (h *RiskHandler) Recompute(c *gin.Context) {
	id, err := userIDParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req recomputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "MANUAL"
	}

	rs, err := h.rec.RecomputeRiskScore(c.Request.Context(), id, req.Reason)
	if err != nil {
		writeError(c, h.logger, "recompute risk score", err)
		return
	}
	c.JSON(http.StatusOK, rs)
}

// RecomputeAll handles POST /risk/recompute, the bulk admin recalculation.
func (h *RiskHandler) RecomputeAll(c *gin.Context) {
	res, err := h.bulk.RecomputeAll(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, "bulk recompute", err)
		return
	}
	c.JSON(http.StatusOK, res)
}
