package identity_test

import (
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/tradeledger/internal/identity"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
)

const testIssuer = "https://ledger.example.test"

func newTestIssuer(t *testing.T) *identity.TokenIssuer {
	t.Helper()
	ti, err := identity.NewTokenIssuer("test-secret", testIssuer, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestNewTokenIssuer_requiresSecret(t *testing.T) {
	if _, err := identity.NewTokenIssuer("", testIssuer, 0); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestTokenIssuer_roundTrip(t *testing.T) {
	ti := newTestIssuer(t)

	token, err := ti.Issue(7, lifecycle.RoleExporter)
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Errorf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.ActorID != 7 || claims.Subject != "7" {
		t.Errorf("actor: got %d/%q, want 7", claims.ActorID, claims.Subject)
	}
	if claims.Role != lifecycle.RoleExporter {
		t.Errorf("Role: got %q, want EXPORTER", claims.Role)
	}
	if claims.ID == "" {
		t.Error("expected a jti")
	}
}

func TestTokenIssuer_rejectsSystemAndUnknownRoles(t *testing.T) {
	ti := newTestIssuer(t)
	for _, role := range []lifecycle.Role{lifecycle.RoleSystem, "", "JANITOR"} {
		if _, err := ti.Issue(1, role); err == nil {
			t.Errorf("Issue(%q) should fail", role)
		}
	}
}

func TestTokenIssuer_Verify_expired(t *testing.T) {
	ti, _ := identity.NewTokenIssuer("test-secret", testIssuer, time.Nanosecond)
	token, err := ti.Issue(1, lifecycle.RoleImporter)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestTokenIssuer_Verify_wrongSecretOrIssuer(t *testing.T) {
	token, _ := newTestIssuer(t).Issue(1, lifecycle.RoleAuditor)

	other, _ := identity.NewTokenIssuer("another-secret", testIssuer, time.Hour)
	if _, err := other.Verify(token); err == nil {
		t.Error("expected error for token signed with another secret")
	}

	elsewhere, _ := identity.NewTokenIssuer("test-secret", "https://elsewhere.test", time.Hour)
	if _, err := elsewhere.Verify(token); err == nil {
		t.Error("expected error for token from another issuer")
	}
}

func TestTokenIssuer_Verify_garbage(t *testing.T) {
	if _, err := newTestIssuer(t).Verify("not.a.jwt"); err == nil {
		t.Error("expected error for malformed token")
	}
}
