package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
	"go.uber.org/zap"
)

// AuditResult is the outcome of Audit.
type AuditResult struct {
	Report *ledger.Report  `json:"report"`
	Scars  []*ledger.Entry `json:"scars"`
}

// Audit verifies the whole ledger exhaustively. When record is set, each
// divergent entry that has no TAMPER_DETECTED scar yet gets one, appended
// through the normal ledger path so history itself is never rewritten. The
// tampered entry's parties are named on the scar and the trigger is told
// about it like any other append.
func (r *Recorder) Audit(ctx context.Context, record bool) (*AuditResult, error) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()

	rep, err := r.VerifyChain(ctx, ledger.Scope{}, ledger.Exhaustive)
	if err != nil {
		return nil, err
	}
	res := &AuditResult{Report: rep, Scars: []*ledger.Entry{}}
	if rep.Valid || !record {
		return res, nil
	}

	scarred, err := r.scarredEntries(ctx)
	if err != nil {
		return nil, err
	}

	for _, f := range rep.Failures {
		if scarred[f.EntryID] {
			continue
		}
		tampered, err := r.ledger.Store().Get(ctx, f.EntryID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return res, fmt.Errorf("load tampered entry %d: %w", f.EntryID, err)
		}
		var parties []int64
		if tampered != nil {
			parties = lifecycle.Parties(tampered)
		}
		scar, err := r.ledger.Append(ctx, ledger.ScarRequest(f, tampered, parties))
		if err != nil {
			return res, fmt.Errorf("record tamper scar for entry %d: %w", f.EntryID, err)
		}
		scarred[f.EntryID] = true
		res.Scars = append(res.Scars, scar)
		r.logger.Warn("tamper scar recorded",
			zap.Int64("tampered_entry_id", f.EntryID),
			zap.String("kind", string(f.Kind)),
			zap.Int64("scar_id", scar.ID),
		)
		if r.trigger != nil {
			r.trigger.Notify(scar)
		}
	}
	return res, nil
}

// scarredEntries returns the ids of entries that already carry a scar.
func (r *Recorder) scarredEntries(ctx context.Context) (map[int64]bool, error) {
	scars, err := r.ledger.Store().List(ctx, ledger.Filter{
		SubjectType: ledger.SubjectSystem,
		Action:      ledger.ActionTamperDetected,
	})
	if err != nil {
		return nil, fmt.Errorf("list tamper scars: %w", err)
	}
	out := make(map[int64]bool, len(scars))
	for _, s := range scars {
		if id, ok := ledger.ScarredEntryID(s); ok {
			out[id] = true
		}
	}
	return out, nil
}
