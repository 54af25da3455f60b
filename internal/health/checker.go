// Package health tracks the readiness of ledgerd's dependencies: the
// database, the dead-letter store and the external risk provider.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Probe checks one dependency. A nil error means it is reachable.
type Probe func(ctx context.Context) error

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(dependency string, success bool)

// DependencyStatus is the last known state of one dependency.
type DependencyStatus struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	FailCount   int       `json:"fail_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// Checker runs periodic dependency probes. A dependency turns degraded
// after FailThreshold consecutive failures and healthy on the next success.
type Checker struct {
	mu        sync.Mutex
	probes    map[string]Probe
	status    map[string]*DependencyStatus
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger
}

// New creates a new Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{
		probes: make(map[string]Probe),
		status: make(map[string]*DependencyStatus),
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Register adds a named dependency. Dependencies start healthy.
func (h *Checker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
	h.status[name] = &DependencyStatus{Name: name, Status: StatusHealthy}
}

// Start runs the check loop until ctx is done.
func (h *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every registered dependency concurrently.
func (h *Checker) CheckAll(ctx context.Context) {
	h.mu.Lock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.Unlock()

	var wg sync.WaitGroup
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
			err := p(pctx)
			cancel()
			h.observe(name, err)
		}(name, p)
	}
	wg.Wait()
}

func (h *Checker) observe(name string, err error) {
	if h.onMetrics != nil {
		h.onMetrics(name, err == nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.status[name]
	st.LastChecked = time.Now().UTC()

	if err == nil {
		if st.Status == StatusDegraded {
			h.logger.Info("health: recovered", zap.String("dependency", name))
		}
		st.Status, st.FailCount, st.LastError = StatusHealthy, 0, ""
		return
	}

	st.FailCount++
	st.LastError = err.Error()
	if st.FailCount == h.cfg.FailThreshold {
		st.Status = StatusDegraded
		h.logger.Warn("health: degraded",
			zap.String("dependency", name),
			zap.Int("fail_count", st.FailCount),
			zap.Error(err),
		)
	}
}

// Snapshot returns every dependency's status, sorted by name, and whether
// all of them are healthy.
func (h *Checker) Snapshot() ([]DependencyStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]DependencyStatus, 0, len(h.status))
	ready := true
	for _, st := range h.status {
		out = append(out, *st)
		if st.Status != StatusHealthy {
			ready = false
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, ready
}

// HTTPProbe returns a Probe that succeeds on any 2xx answer to HEAD, or to
// GET when HEAD is refused.
func HTTPProbe(client *http.Client, endpoint string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		for _, method := range []string{http.MethodHead, http.MethodGet} {
			req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				continue
			}
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}
		return &statusError{endpoint: endpoint}
	}
}

type statusError struct{ endpoint string }

func (e *statusError) Error() string { return "no 2xx response from " + e.endpoint }
