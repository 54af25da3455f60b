package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/tradeledger/internal/handler"
	"github.com/jmerrifield20/tradeledger/internal/identity"
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"go.uber.org/zap"
)

type testServer struct {
	router *gin.Engine
	tokens *identity.TokenIssuer
}

// setupRouter wires the full stack on in-memory stores. With withAuth the
// write routes require a service token.
func setupRouter(t *testing.T, withAuth bool) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := ledger.NewMemoryStore()
	ls := ledger.NewService(store, 0, zap.NewNop())
	rs := risk.NewService(risk.NewLedgerSignals(store, nil, 20), risk.NewMemoryScoreStore(), zap.NewNop())
	d := recalc.NewDispatcher(recalc.Config{Workers: 1}, rs, nil, zap.NewNop())
	rec := recorder.New(ls, lifecycle.NewValidator(), rs, nil, zap.NewNop())

	ts := &testServer{router: gin.New()}
	var auth gin.HandlerFunc
	if withAuth {
		tokens, err := identity.NewTokenIssuer("handler-test-secret", "ledger-test", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		ts.tokens = tokens
		auth = identity.RequireServiceToken(tokens)
	}

	v1 := ts.router.Group("/api/v1")
	handler.NewLedgerHandler(rec, store, true, zap.NewNop()).Register(v1, auth)
	handler.NewLifecycleHandler(rec, zap.NewNop()).Register(v1)
	handler.NewRiskHandler(rec, d, zap.NewNop()).Register(v1, auth)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

func docEvent(action, role string, actor int64, md map[string]any) map[string]any {
	return map[string]any{
		"subject_type":   "DOCUMENT",
		"subject_id":     "42",
		"action":         action,
		"actor_id":       actor,
		"actor_role":     role,
		"counterparties": []int64{1, 2},
		"metadata":       md,
	}
}

func TestAppendEntry_201(t *testing.T) {
	ts := setupRouter(t, false)

	w := ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("ISSUED", "EXPORTER", 7, nil), "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["previous_hash"] != ledger.GenesisHash {
		t.Errorf("previous_hash = %v, want GENESIS", resp["previous_hash"])
	}
	if resp["id"].(float64) != 1 {
		t.Errorf("id = %v, want 1", resp["id"])
	}
}

func TestAppendEntry_errors(t *testing.T) {
	ts := setupRouter(t, false)
	ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("ISSUED", "EXPORTER", 7, nil), "")
	ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("SHIPPED", "EXPORTER", 7, nil), "")

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing stage", docEvent("VERIFIED", "AUDITOR", 9, map[string]any{"result": "PASS"}), http.StatusUnprocessableEntity},
		{"duplicate", docEvent("SHIPPED", "EXPORTER", 7, nil), http.StatusUnprocessableEntity},
		{"unauthorized role", docEvent("RECEIVED", "AUDITOR", 9, nil), http.StatusForbidden},
		{"unknown action", docEvent("LOST", "EXPORTER", 7, nil), http.StatusBadRequest},
		{"unknown role", docEvent("RECEIVED", "PIRATE", 7, nil), http.StatusBadRequest},
		{"missing fields", map[string]any{"subject_id": "42"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/ledger/entries", tt.body, "")
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}

	w := ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("VERIFIED", "AUDITOR", 9, nil), "")
	missing, _ := decode(t, w)["missing_stages"].([]any)
	if len(missing) != 1 || missing[0] != "RECEIVED" {
		t.Errorf("missing_stages = %v, want [RECEIVED]", missing)
	}
}

func TestLedgerReads(t *testing.T) {
	ts := setupRouter(t, false)
	ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("ISSUED", "EXPORTER", 7, nil), "")
	ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("SHIPPED", "EXPORTER", 7, nil), "")

	w := ts.do(t, http.MethodGet, "/api/v1/ledger", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["entries"].(float64) != 2 {
		t.Errorf("overview = %d %s", w.Code, w.Body.String())
	}

	w = ts.do(t, http.MethodGet, "/api/v1/ledger/entries/2", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["action"] != "SHIPPED" {
		t.Errorf("get entry = %d %s", w.Code, w.Body.String())
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/ledger/entries/999", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/ledger/entries/abc", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/ledger/entries?action=SHIPPED&party=2", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["count"].(float64) != 1 {
		t.Errorf("filtered list = %d %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/ledger/entries?limit=5000", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized limit, got %d", w.Code)
	}
}

func TestLedgerVerifyAndAudit(t *testing.T) {
	ts := setupRouter(t, false)
	ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("ISSUED", "EXPORTER", 7, nil), "")

	for _, path := range []string{
		"/api/v1/ledger/verify",
		"/api/v1/ledger/verify?mode=exhaustive",
		"/api/v1/ledger/verify?subject_type=DOCUMENT&subject_id=42",
	} {
		w := ts.do(t, http.MethodGet, path, nil, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, w.Code)
		}
		if resp := decode(t, w); resp["valid"] != true {
			t.Errorf("%s: valid = %v (%v)", path, resp["valid"], resp["summary"])
		}
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/ledger/verify?mode=fast", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown mode, got %d", w.Code)
	}

	w := ts.do(t, http.MethodPost, "/api/v1/ledger/audit", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Errorf("audit = %d %s", w.Code, w.Body.String())
	}
}

func TestLifecycleEndpoint(t *testing.T) {
	ts := setupRouter(t, false)
	ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("ISSUED", "EXPORTER", 7, nil), "")

	w := ts.do(t, http.MethodGet, "/api/v1/lifecycle/DOCUMENT/42", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["is_valid"] != true {
		t.Errorf("lifecycle = %d %s", w.Code, w.Body.String())
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/lifecycle/INVOICE/42", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRiskEndpoints(t *testing.T) {
	ts := setupRouter(t, false)
	ts.do(t, http.MethodPost, "/api/v1/ledger/entries", docEvent("ISSUED", "EXPORTER", 7, nil), "")

	if w := ts.do(t, http.MethodGet, "/api/v1/risk/1", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before recompute, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodGet, "/api/v1/risk/zero", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w := ts.do(t, http.MethodPost, "/api/v1/risk/1/recompute", map[string]string{"reason": "manual review"}, "")
	if w.Code != http.StatusOK {
		t.Fatalf("recompute = %d %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["category"] != "MEDIUM" || resp["reason"] != "manual review" {
		t.Errorf("recompute response = %v", resp)
	}
	if rationale, _ := resp["rationale"].([]any); len(rationale) != 4 {
		t.Errorf("rationale = %v, want 4 lines", resp["rationale"])
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/risk/1", nil, ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 after recompute, got %d", w.Code)
	}

	// Stored user 1, plus counterparty 2 and the issuing exporter 7.
	w = ts.do(t, http.MethodPost, "/api/v1/risk/recompute", nil, "")
	if w.Code != http.StatusOK || decode(t, w)["recomputed"].(float64) != 3 {
		t.Errorf("bulk recompute = %d %s", w.Code, w.Body.String())
	}
}

func TestAuthenticatedWrites(t *testing.T) {
	ts := setupRouter(t, true)
	exporter, _ := ts.tokens.Issue(7, lifecycle.RoleExporter)
	admin, _ := ts.tokens.Issue(1, lifecycle.RoleAdmin)

	body := docEvent("ISSUED", "ADMIN", 999, nil)
	if w := ts.do(t, http.MethodPost, "/api/v1/ledger/entries", body, ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	w := ts.do(t, http.MethodPost, "/api/v1/ledger/entries", body, exporter)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = ts.do(t, http.MethodGet, "/api/v1/ledger/entries/1", nil, "")
	entry := decode(t, w)
	if entry["actor_id"].(float64) != 7 {
		t.Errorf("actor_id = %v, want the token's actor 7", entry["actor_id"])
	}
	if md, _ := entry["metadata"].(map[string]any); md["actor_role"] != "EXPORTER" {
		t.Errorf("actor_role = %v, want EXPORTER from the token", md["actor_role"])
	}

	if w := ts.do(t, http.MethodPost, "/api/v1/risk/recompute", nil, exporter); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for exporter bulk recompute, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/risk/recompute", nil, admin); w.Code != http.StatusOK {
		t.Errorf("expected 200 for admin bulk recompute, got %d", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/ledger/audit", nil, exporter); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for exporter audit, got %d", w.Code)
	}
}
