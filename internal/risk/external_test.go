package risk_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jmerrifield20/tradeledger/internal/risk"
)

func TestHTTPExternalSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/risk/7":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"user_id":7,"risk":0.3}`)) //nolint:errcheck
		case "/v1/risk/8":
			http.NotFound(w, r)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	src := risk.NewHTTPExternalSource(srv.URL+"/v1/risk", time.Second)

	v, known, err := src.ExternalRisk(ctx, 7)
	if err != nil || !known || v != 0.3 {
		t.Errorf("ExternalRisk(7) = %v, %v, %v; want 0.3, true, nil", v, known, err)
	}

	_, known, err = src.ExternalRisk(ctx, 8)
	if err != nil || known {
		t.Errorf("ExternalRisk(8) known=%v err=%v; want unknown without error", known, err)
	}

	if _, _, err := src.ExternalRisk(ctx, 9); err == nil {
		t.Error("expected error for upstream failure")
	}
}

func TestStaticExternalSource(t *testing.T) {
	src := risk.NewStaticExternalSource(nil)
	if _, known, _ := src.ExternalRisk(ctx, 1); known {
		t.Error("empty source should not know user 1")
	}
	src.Set(1, 0.9)
	if v, known, _ := src.ExternalRisk(ctx, 1); !known || v != 0.9 {
		t.Errorf("ExternalRisk(1) = %v, %v", v, known)
	}
}
