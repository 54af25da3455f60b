package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_entries_total",
		Help: "Total ledger entries appended by action.",
	}, []string{"action"})

	chainConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_chain_conflicts_total",
		Help: "Total appends that lost the chain tail to another writer.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_verifications_total",
		Help: "Total verification passes by result.",
	}, []string{"result"})

	recomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "risk_recomputes_total",
		Help: "Total risk recompute attempts by outcome.",
	}, []string{"result"})

	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "risk_dead_letters_total",
		Help: "Total risk recompute jobs handed to the dead-letter sink.",
	})

	dependencyProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_dependency_probes_total",
		Help: "Total dependency health probes by dependency and result.",
	}, []string{"dependency", "result"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Total requests rejected by the rate limiter, by request class.",
	}, []string{"class"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordLedgerAppend records an append outcome. It matches
// ledger.AppendRecorder.
func RecordLedgerAppend(action ledger.Action, conflicts int, err error) {
	if conflicts > 0 {
		chainConflictsTotal.Add(float64(conflicts))
	}
	if err == nil {
		entriesTotal.WithLabelValues(string(action)).Inc()
	}
}

// RecordVerification records a verification pass.
func RecordVerification(r *ledger.Report) {
	if r.Valid {
		verificationsTotal.WithLabelValues("valid").Inc()
	} else {
		verificationsTotal.WithLabelValues("tampered").Inc()
	}
}

// RecordRecompute records a recompute outcome. It matches
// recalc.MetricsRecorder.
func RecordRecompute(o recalc.Outcome) {
	if o == recalc.OutcomeDeadLetter {
		deadLettersTotal.Inc()
		return
	}
	recomputesTotal.WithLabelValues(string(o)).Inc()
}

// RecordProbe records a dependency probe. It matches health.MetricsRecordFunc.
func RecordProbe(dependency string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	dependencyProbesTotal.WithLabelValues(dependency, result).Inc()
}
