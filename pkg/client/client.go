package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/risk"
)

var (
	// ErrNotFound matches an *APIError with status 404.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches an *APIError with status 409; the append may be retried.
	ErrConflict = errors.New("ledger tail moved")
)

// APIError is a non-2xx response from ledgerd.
type APIError struct {
	StatusCode    int      `json:"-"`
	Message       string   `json:"error"`
	Kind          string   `json:"kind,omitempty"`
	MissingStages []string `json:"missing_stages,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledgerd returned HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is match ErrNotFound and ErrConflict by status.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// AppendRequest is the payload for AppendEntry. ActorID and ActorRole are
// only honoured by servers running without authentication.
type AppendRequest struct {
	SubjectType    string         `json:"subject_type"`
	SubjectID      string         `json:"subject_id,omitempty"`
	Action         string         `json:"action"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Counterparties []int64        `json:"counterparties,omitempty"`
	ActorID        *int64         `json:"actor_id,omitempty"`
	ActorRole      string         `json:"actor_role,omitempty"`
}

// AppendResult identifies a newly chained entry.
type AppendResult struct {
	ID           int64     `json:"id"`
	EntryHash    string    `json:"entry_hash"`
	PreviousHash string    `json:"previous_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Overview is the chain length and current tip.
type Overview struct {
	Entries int64  `json:"entries"`
	Tip     string `json:"tip"`
	TipID   int64  `json:"tip_id"`
}

// ListOptions filters ListEntries. Zero values are ignored.
type ListOptions struct {
	SubjectType string
	SubjectID   string
	Action      string
	Party       int64
	AfterID     int64
	Limit       int
}

// VerifyOptions scopes Verify. An empty SubjectID verifies the whole ledger.
type VerifyOptions struct {
	SubjectType string
	SubjectID   string
	Exhaustive  bool
}

// AuditResult is the outcome of Audit.
type AuditResult struct {
	Report *ledger.Report  `json:"report"`
	Scars  []*ledger.Entry `json:"scars"`
}

// Client talks to one ledgerd instance.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a service token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// New creates a Client for the ledgerd at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/") + "/api/v1",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Overview returns the chain length and tip.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var out Overview
	if err := c.call(ctx, http.MethodGet, "/ledger", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendEntry records an event. Lifecycle rejections are *APIError values
// with status 422 (or 403 for a role that may not perform the action).
func (c *Client) AppendEntry(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	var out AppendResult
	if err := c.call(ctx, http.MethodPost, "/ledger/entries", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetEntry fetches one entry by id.
func (c *Client) GetEntry(ctx context.Context, id int64) (*ledger.Entry, error) {
	var out ledger.Entry
	if err := c.call(ctx, http.MethodGet, "/ledger/entries/"+strconv.FormatInt(id, 10), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEntries pages through entries in chain order.
func (c *Client) ListEntries(ctx context.Context, opts ListOptions) ([]*ledger.Entry, error) {
	q := url.Values{}
	setIf(q, "subject_type", opts.SubjectType)
	setIf(q, "subject_id", opts.SubjectID)
	setIf(q, "action", opts.Action)
	if opts.Party != 0 {
		q.Set("party", strconv.FormatInt(opts.Party, 10))
	}
	if opts.AfterID != 0 {
		q.Set("after_id", strconv.FormatInt(opts.AfterID, 10))
	}
	if opts.Limit != 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}

	var wrapper struct {
		Entries []*ledger.Entry `json:"entries"`
	}
	if err := c.call(ctx, http.MethodGet, "/ledger/entries", q, nil, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Entries, nil
}

// Verify replays the chain, or one subject's view of it.
func (c *Client) Verify(ctx context.Context, opts VerifyOptions) (*ledger.Report, error) {
	q := url.Values{}
	setIf(q, "subject_type", opts.SubjectType)
	setIf(q, "subject_id", opts.SubjectID)
	if opts.Exhaustive {
		q.Set("mode", "exhaustive")
	}
	var out ledger.Report
	if err := c.call(ctx, http.MethodGet, "/ledger/verify", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit runs an exhaustive verification that records tamper scars.
func (c *Client) Audit(ctx context.Context) (*AuditResult, error) {
	var out AuditResult
	if err := c.call(ctx, http.MethodPost, "/ledger/audit", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Lifecycle checks a subject's recorded history.
func (c *Client) Lifecycle(ctx context.Context, subjectType, subjectID string) (*lifecycle.Result, error) {
	var out lifecycle.Result
	path := "/lifecycle/" + url.PathEscape(subjectType) + "/" + url.PathEscape(subjectID)
	if err := c.call(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RiskScore returns a user's stored score. A user never scored yields ErrNotFound.
func (c *Client) RiskScore(ctx context.Context, userID int64) (*risk.RiskScore, error) {
	var out risk.RiskScore
	if err := c.call(ctx, http.MethodGet, "/risk/"+strconv.FormatInt(userID, 10), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecomputeRisk recomputes a user's score now.
func (c *Client) RecomputeRisk(ctx context.Context, userID int64, reason string) (*risk.RiskScore, error) {
	var out risk.RiskScore
	body := map[string]string{"reason": reason}
	if err := c.call(ctx, http.MethodPost, "/risk/"+strconv.FormatInt(userID, 10)+"/recompute", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RecomputeAll recomputes every known user's score.
func (c *Client) RecomputeAll(ctx context.Context) (*recalc.BulkResult, error) {
	var out recalc.BulkResult
	if err := c.call(ctx, http.MethodPost, "/risk/recompute", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// call performs one JSON round trip. respBody may be nil.
func (c *Client) call(ctx context.Context, method, path string, q url.Values, reqBody, respBody any) error {
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if respBody == nil {
		return nil
	}
	if err := json.Unmarshal(raw, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func setIf(q url.Values, key, v string) {
	if v != "" {
		q.Set(key, v)
	}
}
