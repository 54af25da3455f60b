package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"go.uber.org/zap"
)

// writeError maps core errors onto HTTP responses. Unknown errors are
// logged and reported as 500 without detail.
func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var terr *lifecycle.TransitionError
	switch {
	case errors.As(err, &terr):
		status := http.StatusUnprocessableEntity
		if errors.Is(err, lifecycle.ErrUnauthorizedActor) {
			status = http.StatusForbidden
		}
		body := gin.H{"error": terr.Error(), "kind": terr.Kind}
		if len(terr.Missing) > 0 {
			body["missing_stages"] = terr.Missing
		}
		c.JSON(status, body)
	case errors.Is(err, ledger.ErrChainConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, ledger.ErrInvalidAction),
		errors.Is(err, ledger.ErrInvalidSubjectType),
		errors.Is(err, ledger.ErrInvalidSubject):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, risk.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, risk.ErrInvalidSignal):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}
