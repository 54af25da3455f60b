package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ExternalSource supplies the one signal that does not come from the ledger,
// such as a credit bureau or sanctions-screening score. known is false when
// the source has nothing for the user.
type ExternalSource interface {
	ExternalRisk(ctx context.Context, userID int64) (value float64, known bool, err error)
}

// StaticExternalSource serves external risk from an in-memory table. It is
// safe for concurrent use.
type StaticExternalSource struct {
	mu     sync.RWMutex
	values map[int64]float64
}

// NewStaticExternalSource creates a StaticExternalSource seeded with values.
func NewStaticExternalSource(values map[int64]float64) *StaticExternalSource {
	s := &StaticExternalSource{values: make(map[int64]float64, len(values))}
	for k, v := range values {
		s.values[k] = v
	}
	return s
}

// Set records the external risk for userID.
func (s *StaticExternalSource) Set(userID int64, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[userID] = v
}

// ExternalRisk implements ExternalSource.
func (s *StaticExternalSource) ExternalRisk(_ context.Context, userID int64) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[userID]
	return v, ok, nil
}

// externalRiskResponse is the provider's response body.
type externalRiskResponse struct {
	UserID int64   `json:"user_id"`
	Risk   float64 `json:"risk"`
}

// HTTPExternalSource queries GET {baseURL}/{user_id} on a risk provider. A
// 404 means the provider does not know the user.
type HTTPExternalSource struct {
	baseURL string
	http    *http.Client
}

// NewHTTPExternalSource creates an HTTPExternalSource targeting baseURL.
func NewHTTPExternalSource(baseURL string, timeout time.Duration) *HTTPExternalSource {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPExternalSource{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// ExternalRisk implements ExternalSource.
func (c *HTTPExternalSource) ExternalRisk(ctx context.Context, userID int64) (float64, bool, error) {
	u, err := url.JoinPath(c.baseURL, strconv.FormatInt(userID, 10))
	if err != nil {
		return 0, false, fmt.Errorf("build external risk URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, false, fmt.Errorf("build external risk request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("external risk request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound {
		return 0, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return 0, false, fmt.Errorf("external risk provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, false, fmt.Errorf("read external risk response: %w", err)
	}
	var out externalRiskResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, false, fmt.Errorf("decode external risk response: %w", err)
	}
	return out.Risk, true, nil
}
