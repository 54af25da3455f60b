package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/tradeledger/internal/health"
)

// ReadinessSource reports dependency health.
type ReadinessSource interface {
	Snapshot() ([]health.DependencyStatus, bool)
}

// ReadyHandler serves GET /readyz: 200 when every dependency is healthy,
// 503 otherwise.
func ReadyHandler(src ReadinessSource) gin.HandlerFunc {
	return func(c *gin.Context) {
		deps, ready := src.Snapshot()
		status, code := "ready", http.StatusOK
		if !ready {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status, "dependencies": deps})
	}
}
