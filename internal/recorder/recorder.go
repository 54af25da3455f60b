// Package recorder is the narrow interface collaborators use to record
// lifecycle events, audit the chain and read risk scores. It composes the
// ledger, the lifecycle validator, the risk service and the recompute
// trigger.
package recorder

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"github.com/jmerrifield20/tradeledger/internal/risk"
	"go.uber.org/zap"
)

// Notifier is told about every appended entry. Notify runs while the subject
// lock is held, so a slow Notifier delays the next append to that subject.
type Notifier interface {
	Notify(e *ledger.Entry)
}

// VerifyRecorder is an optional callback for recording verification passes.
type VerifyRecorder func(r *ledger.Report)

// Event is a business event to be recorded on the ledger.
type Event struct {
	SubjectType ledger.SubjectType
	SubjectID   *string
	Action      ledger.Action
	// ActorID nil means the event is system-initiated.
	ActorID   *int64
	ActorRole lifecycle.Role
	// Counterparties are the users whose risk the event concerns.
	Counterparties []int64
	Metadata       map[string]any
}

// subjectLockShards bounds the memory used for per-subject serialisation.
const subjectLockShards = 64

// Recorder records events and serves the read side of the core.
type Recorder struct {
	ledger    *ledger.Service
	verifier  *ledger.Verifier
	validator *lifecycle.Validator
	risk      *risk.Service
	trigger   Notifier
	onVerify  VerifyRecorder
	logger    *zap.Logger

	subjectLocks [subjectLockShards]sync.Mutex
	auditMu      sync.Mutex
}

// New creates a Recorder. trigger may be nil.
func New(ledgerSvc *ledger.Service, validator *lifecycle.Validator, riskSvc *risk.Service, trigger Notifier, logger *zap.Logger) *Recorder {
	return &Recorder{
		ledger:    ledgerSvc,
		verifier:  ledger.NewVerifier(ledgerSvc.Store()),
		validator: validator,
		risk:      riskSvc,
		trigger:   trigger,
		logger:    logger,
	}
}

// SetVerifyRecorder configures the verification metrics callback.
func (r *Recorder) SetVerifyRecorder(fn VerifyRecorder) {
	r.onVerify = fn
}

// AppendEntry checks ev against the subject's lifecycle and, if it is a
// legal next step, appends it. The actor role and counterparties are
// committed into the entry's metadata. Qualifying entries trigger a risk
// recomputation in the background; a failure there never affects the
// append.
func (r *Recorder) AppendEntry(ctx context.Context, ev Event) (*ledger.Entry, error) {
	if !ev.SubjectType.Valid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidSubjectType, ev.SubjectType)
	}
	if !ev.Action.Valid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidAction, ev.Action)
	}

	var history []*ledger.Entry
	subject := ""
	if ev.SubjectID != nil {
		subject = *ev.SubjectID
		mu := r.lockFor(ev.SubjectType, subject)
		mu.Lock()
		defer mu.Unlock()

		var err error
		history, err = r.ledger.Store().List(ctx, ledger.Filter{SubjectType: ev.SubjectType, SubjectID: ev.SubjectID})
		if err != nil {
			return nil, fmt.Errorf("load %s %s history: %w", ev.SubjectType, subject, err)
		}
	}

	if err := r.validator.CheckTransition(ev.SubjectType, subject, history, ev.Action, ev.ActorID, ev.ActorRole); err != nil {
		r.logger.Info("lifecycle transition rejected",
			zap.String("subject_type", string(ev.SubjectType)),
			zap.String("subject_id", subject),
			zap.String("action", string(ev.Action)),
			zap.Error(err),
		)
		return nil, err
	}

	entry, err := r.ledger.Append(ctx, ledger.AppendRequest{
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		Action:      ev.Action,
		ActorID:     ev.ActorID,
		Metadata:    enrich(ev),
	})
	if err != nil {
		return nil, err
	}

	if r.trigger != nil {
		r.trigger.Notify(entry)
	}
	return entry, nil
}

// VerifyChain replays the chain in scope. It never writes.
func (r *Recorder) VerifyChain(ctx context.Context, scope ledger.Scope, mode ledger.Mode) (*ledger.Report, error) {
	rep, err := r.verifier.Verify(ctx, scope, mode)
	if err != nil {
		return nil, err
	}
	if r.onVerify != nil {
		r.onVerify(rep)
	}
	if !rep.Valid {
		r.logger.Warn("ledger verification failed",
			zap.String("scope", rep.Scope),
			zap.String("summary", rep.Summary()),
		)
	}
	return rep, nil
}

// ValidateLifecycle checks a subject's recorded history against its policy.
func (r *Recorder) ValidateLifecycle(ctx context.Context, subjectType ledger.SubjectType, subjectID string) (*lifecycle.Result, error) {
	if !subjectType.Valid() {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidSubjectType, subjectType)
	}
	history, err := r.ledger.Store().List(ctx, ledger.Filter{SubjectType: subjectType, SubjectID: &subjectID})
	if err != nil {
		return nil, fmt.Errorf("load %s %s history: %w", subjectType, subjectID, err)
	}
	return r.validator.Validate(subjectType, history), nil
}

// GetRiskScore returns the stored risk score for userID.
func (r *Recorder) GetRiskScore(ctx context.Context, userID int64) (*risk.RiskScore, error) {
	return r.risk.Get(ctx, userID)
}

// RecomputeRiskScore recomputes userID's score synchronously.
func (r *Recorder) RecomputeRiskScore(ctx context.Context, userID int64, reason string) (*risk.RiskScore, error) {
	return r.risk.Recompute(ctx, userID, reason)
}

// lockFor returns the mutex serialising check-then-append for a subject.
func (r *Recorder) lockFor(t ledger.SubjectType, id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(t))
	h.Write([]byte{0})
	h.Write([]byte(id))
	return &r.subjectLocks[h.Sum32()%subjectLockShards]
}

// enrich copies ev.Metadata and adds the actor role and counterparties.
func enrich(ev Event) map[string]any {
	md := make(map[string]any, len(ev.Metadata)+2)
	for k, v := range ev.Metadata {
		md[k] = v
	}
	if ev.ActorID != nil && ev.ActorRole != "" {
		md[lifecycle.MetaActorRole] = string(ev.ActorRole)
	}
	if len(ev.Counterparties) > 0 {
		md[ledger.MetaCounterparties] = ev.Counterparties
	}
	return md
}
