package ledger_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/pgtest"
	"go.uber.org/zap"
)

func TestPostgresStore_appendVerifyAndTamper(t *testing.T) {
	pool := pgtest.Pool(t)
	store := ledger.NewPostgresStore(pool, zap.NewNop())
	svc := ledger.NewService(store, 0, zap.NewNop())

	e1 := appendDoc(t, svc, 42, ledger.ActionIssued, 7, map[string]any{})
	e2 := appendDoc(t, svc, 42, ledger.ActionVerified, 9, map[string]any{"result": "FAIL", "counterparties": []int64{7, 9}})
	if e1.EntryHash != issuedHash || e2.EntryHash != verifiedHash {
		t.Fatalf("hashes diverge from fixtures: %s %s", e1.EntryHash, e2.EntryHash)
	}

	got, err := store.Get(ctx, e2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h, _ := got.ComputeHash(); h != e2.EntryHash {
		t.Errorf("hash after round trip = %s, want %s", h, e2.EntryHash)
	}

	byParty, err := store.List(ctx, ledger.Filter{Party: ledger.Actor(9)})
	if err != nil {
		t.Fatal(err)
	}
	if len(byParty) != 1 || byParty[0].ID != e2.ID {
		t.Errorf("party filter returned %d entries", len(byParty))
	}

	v := ledger.NewVerifier(store)
	scope := ledger.Scope{SubjectType: ledger.SubjectDocument, SubjectID: ledger.IntSubject(42)}
	report, err := v.Verify(ctx, scope, ledger.StopAtFirst)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Fatalf("fresh chain invalid: %+v", report)
	}

	if _, err := pool.Exec(ctx, `UPDATE ledger_entries SET metadata = '{"result":"PASS"}' WHERE id = $1`, e2.ID); err == nil {
		t.Fatal("append-only trigger allowed an UPDATE")
	}

	if _, err := pool.Exec(ctx, `ALTER TABLE ledger_entries DISABLE TRIGGER ledger_entries_append_only`); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, `UPDATE ledger_entries SET metadata = '{"result":"PASS"}' WHERE id = $1`, e2.ID); err != nil {
		t.Fatal(err)
	}

	report, err = v.Verify(ctx, scope, ledger.StopAtFirst)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid || report.Failures[0].EntryID != e2.ID || report.Failures[0].Kind != ledger.DataTampered {
		t.Errorf("report = %+v, want DATA_TAMPERED at %d", report, e2.ID)
	}
}

func TestPostgresStore_metadataLiteralsSurviveStorage(t *testing.T) {
	pool := pgtest.Pool(t)
	store := ledger.NewPostgresStore(pool, zap.NewNop())
	svc := ledger.NewService(store, 0, zap.NewNop())

	e := appendDoc(t, svc, 42, ledger.ActionIssued, 7, map[string]any{
		"amount":         1e21,
		"fee":            1e-7,
		"note":           "a\u0000b",
		"counterparties": []int64{7, 8},
	})

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h, _ := got.ComputeHash(); h != e.EntryHash {
		t.Errorf("hash after round trip = %s, want %s", h, e.EntryHash)
	}

	report, err := ledger.NewVerifier(store).Verify(ctx, ledger.Scope{}, ledger.Exhaustive)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid {
		t.Errorf("untouched entry reported as %s", report.Summary())
	}

	byParty, err := store.List(ctx, ledger.Filter{Party: ledger.Actor(8)})
	if err != nil {
		t.Fatal(err)
	}
	if len(byParty) != 1 || byParty[0].ID != e.ID {
		t.Errorf("party filter returned %d entries", len(byParty))
	}
}

func TestPostgresStore_concurrentAppendsNeverFork(t *testing.T) {
	pool := pgtest.Pool(t)
	store := ledger.NewPostgresStore(pool, zap.NewNop())
	svc := ledger.NewService(store, 10, zap.NewNop())

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Append(ctx, ledger.AppendRequest{
				SubjectType: ledger.SubjectTrade,
				SubjectID:   ledger.IntSubject(int64(i)),
				Action:      ledger.ActionIssued,
			}); err != nil {
				t.Errorf("Append() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	report, err := ledger.NewVerifier(store).Verify(ctx, ledger.Scope{}, ledger.Exhaustive)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Checked != writers {
		t.Errorf("report = %+v", report)
	}

	tail, _ := store.Tail(ctx)
	stale := &ledger.Entry{
		SubjectType:  ledger.SubjectTrade,
		SubjectID:    ledger.IntSubject(999),
		Action:       ledger.ActionIssued,
		Metadata:     ledger.Metadata{},
		PreviousHash: ledger.GenesisHash,
		CreatedAt:    tail.CreatedAt,
	}
	stale.EntryHash, _ = stale.ComputeHash()
	if err := store.Insert(ctx, stale); !errors.Is(err, ledger.ErrChainConflict) {
		t.Errorf("insert on stale tail: got %v, want ErrChainConflict", err)
	}
}
