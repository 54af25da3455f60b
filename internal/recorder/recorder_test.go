package recorder_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/recorder"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"go.uber.org/zap"
)

var ctx = context.Background()

// tamperingStore simulates direct edits to stored rows by rewriting entries
// on the read path.
type tamperingStore struct {
	ledger.Store
	mu      sync.Mutex
	rewrite map[int64]func(e *ledger.Entry)
}

func (s *tamperingStore) tamper(id int64, fn func(e *ledger.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rewrite[id] = fn
}

func (s *tamperingStore) apply(e *ledger.Entry) *ledger.Entry {
	if e == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn, ok := s.rewrite[e.ID]; ok {
		fn(e)
	}
	return e
}

func (s *tamperingStore) Get(ctx context.Context, id int64) (*ledger.Entry, error) {
	e, err := s.Store.Get(ctx, id)
	return s.apply(e), err
}

func (s *tamperingStore) Before(ctx context.Context, id int64) (*ledger.Entry, error) {
	e, err := s.Store.Before(ctx, id)
	return s.apply(e), err
}

func (s *tamperingStore) List(ctx context.Context, f ledger.Filter) ([]*ledger.Entry, error) {
	es, err := s.Store.List(ctx, f)
	for _, e := range es {
		s.apply(e)
	}
	return es, err
}

type captureNotifier struct {
	mu      sync.Mutex
	entries []*ledger.Entry
}

func (n *captureNotifier) Notify(e *ledger.Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, e)
}

type harness struct {
	rec    *recorder.Recorder
	store  *tamperingStore
	ledger *ledger.Service
	risk   *risk.Service
}

func newHarness(t *testing.T, trigger recorder.Notifier) *harness {
	t.Helper()
	store := &tamperingStore{Store: ledger.NewMemoryStore(), rewrite: map[int64]func(*ledger.Entry){}}
	ls := ledger.NewService(store, 0, zap.NewNop())
	rs := risk.NewService(risk.NewLedgerSignals(store, nil, 20), risk.NewMemoryScoreStore(), zap.NewNop())
	return &harness{
		rec:    recorder.New(ls, lifecycle.NewValidator(), rs, trigger, zap.NewNop()),
		store:  store,
		ledger: ls,
		risk:   rs,
	}
}

func docEvent(doc int64, action ledger.Action, actor int64, role lifecycle.Role, md map[string]any) recorder.Event {
	return recorder.Event{
		SubjectType:    ledger.SubjectDocument,
		SubjectID:      ledger.IntSubject(doc),
		Action:         action,
		ActorID:        ledger.Actor(actor),
		ActorRole:      role,
		Counterparties: []int64{1, 2},
		Metadata:       md,
	}
}

func (h *harness) mustAppend(t *testing.T, ev recorder.Event) *ledger.Entry {
	t.Helper()
	e, err := h.rec.AppendEntry(ctx, ev)
	if err != nil {
		t.Fatalf("AppendEntry(%s) error: %v", ev.Action, err)
	}
	return e
}

// recordDocument records ISSUED, SHIPPED, RECEIVED for doc 42.
func (h *harness) recordDocument(t *testing.T) {
	t.Helper()
	h.mustAppend(t, docEvent(42, ledger.ActionIssued, 1, lifecycle.RoleExporter, nil))
	h.mustAppend(t, docEvent(42, ledger.ActionShipped, 1, lifecycle.RoleExporter, nil))
	h.mustAppend(t, docEvent(42, ledger.ActionReceived, 2, lifecycle.RoleImporter, nil))
}

func TestAppendEntry_commitsRoleAndCounterparties(t *testing.T) {
	n := &captureNotifier{}
	h := newHarness(t, n)
	h.recordDocument(t)

	e := h.mustAppend(t, docEvent(42, ledger.ActionVerified, 9, lifecycle.RoleAuditor, map[string]any{"result": "PASS"}))
	if got := e.Metadata.String(lifecycle.MetaActorRole); got != "AUDITOR" {
		t.Errorf("actor_role = %q, want AUDITOR", got)
	}
	if got := e.Metadata.Int64s(ledger.MetaCounterparties); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("counterparties = %v, want [1 2]", got)
	}
	if e.Metadata.String("result") != "PASS" {
		t.Error("caller metadata was lost")
	}
	if len(n.entries) != 4 || n.entries[3].ID != e.ID {
		t.Errorf("notifier saw %d entries, want every append", len(n.entries))
	}

	res, err := h.rec.ValidateLifecycle(ctx, ledger.SubjectDocument, "42")
	if err != nil {
		t.Fatalf("ValidateLifecycle() error: %v", err)
	}
	if !res.IsValid {
		t.Errorf("lifecycle should be valid: %+v", res)
	}
}

func TestAppendEntry_rejectsBeforeWriting(t *testing.T) {
	h := newHarness(t, nil)
	h.mustAppend(t, docEvent(42, ledger.ActionIssued, 1, lifecycle.RoleExporter, nil))
	h.mustAppend(t, docEvent(42, ledger.ActionShipped, 1, lifecycle.RoleExporter, nil))

	tests := []struct {
		name   string
		ev     recorder.Event
		target error
	}{
		{"missing received", docEvent(42, ledger.ActionVerified, 9, lifecycle.RoleAuditor, nil), lifecycle.ErrInvalidTransition},
		{"duplicate shipment", docEvent(42, ledger.ActionShipped, 1, lifecycle.RoleExporter, nil), lifecycle.ErrInvalidTransition},
		{"auditor issuing", docEvent(43, ledger.ActionIssued, 9, lifecycle.RoleAuditor, nil), lifecycle.ErrUnauthorizedActor},
		{"unknown action", docEvent(42, ledger.Action("LOST"), 1, lifecycle.RoleExporter, nil), ledger.ErrInvalidAction},
		{"unknown subject type", recorder.Event{SubjectType: "INVOICE", Action: ledger.ActionIssued}, ledger.ErrInvalidSubjectType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := h.store.Count(ctx)
			_, err := h.rec.AppendEntry(ctx, tt.ev)
			if !errors.Is(err, tt.target) {
				t.Fatalf("AppendEntry() error = %v, want %v", err, tt.target)
			}
			after, _ := h.store.Count(ctx)
			if after != before {
				t.Errorf("rejected event was written: count %d -> %d", before, after)
			}
		})
	}

	_, err := h.rec.AppendEntry(ctx, docEvent(42, ledger.ActionVerified, 9, lifecycle.RoleAuditor, nil))
	var terr *lifecycle.TransitionError
	if !errors.As(err, &terr) || len(terr.Missing) != 1 || terr.Missing[0] != ledger.ActionReceived {
		t.Errorf("error = %v, want missing RECEIVED", err)
	}
}

func TestAppendEntry_serialisesSameSubject(t *testing.T) {
	h := newHarness(t, nil)
	h.mustAppend(t, docEvent(42, ledger.ActionIssued, 1, lifecycle.RoleExporter, nil))

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.rec.AppendEntry(ctx, docEvent(42, ledger.ActionShipped, 1, lifecycle.RoleExporter, nil))
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, lifecycle.ErrInvalidTransition) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if success != 1 {
		t.Errorf("%d concurrent SHIPPED appends succeeded, want exactly 1", success)
	}
}

func TestSystemEventsSkipSubjectHistory(t *testing.T) {
	h := newHarness(t, nil)
	e, err := h.rec.AppendEntry(ctx, recorder.Event{
		SubjectType: ledger.SubjectSystem,
		Action:      ledger.ActionTamperDetected,
		Metadata:    map[string]any{"note": "manual drill"},
	})
	if err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	if e.SubjectID != nil || e.ActorID != nil {
		t.Errorf("system entry = %+v", e)
	}
	if _, ok := e.Metadata[lifecycle.MetaActorRole]; ok {
		t.Error("system entries carry no actor role")
	}
}

func TestRiskRecomputedInBackground(t *testing.T) {
	h := newHarness(t, nil)
	d := recalc.NewDispatcher(recalc.Config{Workers: 1, QueueSize: 8}, h.risk, nil, zap.NewNop())
	h.rec = recorder.New(h.ledger, lifecycle.NewValidator(), h.risk, d, zap.NewNop())
	d.Start(ctx)

	h.recordDocument(t)
	h.mustAppend(t, docEvent(42, ledger.ActionVerified, 9, lifecycle.RoleAuditor, map[string]any{"result": "FAIL"}))
	d.Stop()

	for _, u := range []int64{1, 2} {
		rs, err := h.rec.GetRiskScore(ctx, u)
		if err != nil {
			t.Fatalf("GetRiskScore(%d) error: %v", u, err)
		}
		if rs.Reason != recalc.ReasonDocumentVerified {
			t.Errorf("user %d reason = %q", u, rs.Reason)
		}
		if rs.Signals.TamperRate != 1 {
			t.Errorf("user %d tamper rate = %v, want 1", u, rs.Signals.TamperRate)
		}
	}

	again, err := h.rec.RecomputeRiskScore(ctx, 1, "manual")
	if err != nil {
		t.Fatalf("RecomputeRiskScore() error: %v", err)
	}
	first, _ := h.rec.GetRiskScore(ctx, 1)
	if again.Score.String() != first.Score.String() {
		t.Errorf("recompute changed score: %s vs %s", again.Score, first.Score)
	}
}

func TestRiskRecomputedForActingParty(t *testing.T) {
	h := newHarness(t, nil)
	d := recalc.NewDispatcher(recalc.Config{Workers: 1, QueueSize: 8}, h.risk, nil, zap.NewNop())
	h.rec = recorder.New(h.ledger, lifecycle.NewValidator(), h.risk, d, zap.NewNop())
	d.Start(ctx)

	trade := func(action ledger.Action) recorder.Event {
		return recorder.Event{
			SubjectType:    ledger.SubjectTrade,
			SubjectID:      ledger.IntSubject(3),
			Action:         action,
			ActorID:        ledger.Actor(7),
			ActorRole:      lifecycle.RoleExporter,
			Counterparties: []int64{8},
		}
	}
	h.mustAppend(t, trade(ledger.ActionIssued))
	h.mustAppend(t, trade(ledger.ActionDisputed))
	d.Stop()

	for _, u := range []int64{7, 8} {
		rs, err := h.rec.GetRiskScore(ctx, u)
		if err != nil {
			t.Fatalf("GetRiskScore(%d) error: %v", u, err)
		}
		if rs.Reason != recalc.ReasonTradeDisputed || rs.Signals.TradeFailureRate != 1 {
			t.Errorf("user %d: reason %q failure rate %v", u, rs.Reason, rs.Signals.TradeFailureRate)
		}
	}
}
