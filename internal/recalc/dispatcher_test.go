package recalc_test

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/recalc"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"go.uber.org/zap"
)

var ctx = context.Background()

// fakeRecomputer fails the first failures[user] calls for a user.
type fakeRecomputer struct {
	mu       sync.Mutex
	failures map[int64]int
	calls    map[int64]int
	reasons  map[int64]string
	subjects []int64
}

func newFakeRecomputer() *fakeRecomputer {
	return &fakeRecomputer{failures: map[int64]int{}, calls: map[int64]int{}, reasons: map[int64]string{}}
}

func (f *fakeRecomputer) Recompute(_ context.Context, userID int64, reason string) (*risk.RiskScore, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[userID]++
	if f.failures[userID] < 0 || f.calls[userID] <= f.failures[userID] {
		return nil, errors.New("store unavailable")
	}
	f.reasons[userID] = reason
	return &risk.RiskScore{SubjectID: userID, Reason: reason}, nil
}

func (f *fakeRecomputer) Subjects(context.Context) ([]int64, error) {
	return f.subjects, nil
}

func (f *fakeRecomputer) callCount(userID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[userID]
}

type captureSink struct {
	mu   sync.Mutex
	jobs []recalc.Job
}

func (s *captureSink) DeadLetter(_ context.Context, job recalc.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *captureSink) all() []recalc.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recalc.Job(nil), s.jobs...)
}

type outcomeCounter struct {
	mu sync.Mutex
	n  map[recalc.Outcome]int
}

func (c *outcomeCounter) record(o recalc.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[recalc.Outcome]int{}
	}
	c.n[o]++
}

func newDispatcher(rc recalc.Recomputer, sink recalc.DeadLetterSink, queue int) (*recalc.Dispatcher, *outcomeCounter) {
	d := recalc.NewDispatcher(recalc.Config{Workers: 2, QueueSize: queue, MaxAttempts: 3}, rc, sink, zap.NewNop())
	oc := &outcomeCounter{}
	d.SetMetricsRecorder(oc.record)
	return d, oc
}

func TestDispatcher_runsScheduledJobs(t *testing.T) {
	rc := newFakeRecomputer()
	sink := &captureSink{}
	d, oc := newDispatcher(rc, sink, 16)
	d.Start(ctx)

	for _, u := range []int64{1, 2, 3} {
		d.Schedule(u, recalc.ReasonTradePaid)
	}
	d.Stop()

	for _, u := range []int64{1, 2, 3} {
		if got := rc.callCount(u); got != 1 {
			t.Errorf("user %d recomputed %d times, want 1", u, got)
		}
	}
	if oc.n[recalc.OutcomeSuccess] != 3 {
		t.Errorf("success outcomes = %d, want 3", oc.n[recalc.OutcomeSuccess])
	}
	if len(sink.all()) != 0 {
		t.Errorf("unexpected dead letters: %+v", sink.all())
	}
}

func TestDispatcher_retriesTransientFailure(t *testing.T) {
	rc := newFakeRecomputer()
	rc.failures[5] = 2
	sink := &captureSink{}
	d, oc := newDispatcher(rc, sink, 4)
	d.Start(ctx)
	d.Schedule(5, recalc.ReasonDocumentVerified)
	d.Stop()

	if got := rc.callCount(5); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if oc.n[recalc.OutcomeRetry] != 2 || oc.n[recalc.OutcomeSuccess] != 1 {
		t.Errorf("outcomes = %v", oc.n)
	}
	if len(sink.all()) != 0 {
		t.Errorf("unexpected dead letters: %+v", sink.all())
	}
}

func TestDispatcher_deadLettersAfterMaxAttempts(t *testing.T) {
	rc := newFakeRecomputer()
	rc.failures[9] = -1
	sink := &captureSink{}
	d, oc := newDispatcher(rc, sink, 4)
	d.Start(ctx)
	id := d.Schedule(9, recalc.ReasonTradeDisputed)
	d.Stop()

	if got := rc.callCount(9); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	dead := sink.all()
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].ID != id || dead[0].UserID != 9 || dead[0].Attempts != 3 || dead[0].LastError != "store unavailable" {
		t.Errorf("dead letter = %+v", dead[0])
	}
	if oc.n[recalc.OutcomeDeadLetter] != 1 {
		t.Errorf("dead_letter outcomes = %d, want 1", oc.n[recalc.OutcomeDeadLetter])
	}
}

func TestDispatcher_fullQueueDeadLettersImmediately(t *testing.T) {
	rc := newFakeRecomputer()
	sink := &captureSink{}
	d, _ := newDispatcher(rc, sink, 1)

	d.Schedule(1, recalc.ReasonTradePaid)
	d.Schedule(2, recalc.ReasonTradePaid)

	dead := sink.all()
	if len(dead) != 1 || dead[0].UserID != 2 || !strings.Contains(dead[0].LastError, "queue full") {
		t.Fatalf("dead letters = %+v, want user 2 rejected by full queue", dead)
	}

	d.Start(ctx)
	d.Stop()
	if rc.callCount(1) != 1 {
		t.Error("queued job was not processed after Start")
	}
}

func TestDispatcher_scheduleAfterStop(t *testing.T) {
	sink := &captureSink{}
	d, _ := newDispatcher(newFakeRecomputer(), sink, 4)
	d.Start(ctx)
	d.Stop()
	d.Schedule(3, recalc.ReasonTradePaid)

	dead := sink.all()
	if len(dead) != 1 || !strings.Contains(dead[0].LastError, "stopped") {
		t.Errorf("dead letters = %+v", dead)
	}
}

func TestDispatcher_notifySchedulesCounterparties(t *testing.T) {
	rc := newFakeRecomputer()
	d, _ := newDispatcher(rc, &captureSink{}, 16)
	d.Start(ctx)

	d.Notify(&ledger.Entry{
		ID: 4, SubjectType: ledger.SubjectTrade, SubjectID: ledger.IntSubject(100),
		Action: ledger.ActionDisputed, Metadata: ledger.Metadata{ledger.MetaCounterparties: []int64{1, 2}},
	})
	d.Notify(&ledger.Entry{
		ID: 5, SubjectType: ledger.SubjectTrade, SubjectID: ledger.IntSubject(100),
		Action: ledger.ActionShipped, Metadata: ledger.Metadata{ledger.MetaCounterparties: []int64{3}},
	})
	d.Stop()

	if rc.callCount(1) != 1 || rc.callCount(2) != 1 {
		t.Errorf("both counterparties should be recomputed once, calls=%v", rc.calls)
	}
	if rc.callCount(3) != 0 {
		t.Error("SHIPPED must not trigger a recompute")
	}
	if rc.reasons[1] != recalc.ReasonTradeDisputed {
		t.Errorf("reason = %q", rc.reasons[1])
	}
}

func TestDispatcher_recomputeAll(t *testing.T) {
	rc := newFakeRecomputer()
	rc.subjects = []int64{1, 2, 3}
	rc.failures[2] = -1
	d, _ := newDispatcher(rc, &captureSink{}, 4)

	res, err := d.RecomputeAll(ctx)
	if err != nil {
		t.Fatalf("RecomputeAll() error: %v", err)
	}
	if res.Recomputed != 2 {
		t.Errorf("Recomputed = %d, want 2", res.Recomputed)
	}
	var failed []int64
	for u := range res.Failed {
		failed = append(failed, u)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	if !reflect.DeepEqual(failed, []int64{2}) {
		t.Errorf("Failed = %v, want [2]", res.Failed)
	}
	if rc.reasons[3] != recalc.ReasonBulkAdmin {
		t.Errorf("reason = %q, want %s", rc.reasons[3], recalc.ReasonBulkAdmin)
	}
}
