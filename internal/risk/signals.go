package risk

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
)

// DefaultActivityMaturity is the number of completed trades after which a
// counterparty's activity no longer contributes risk.
const DefaultActivityMaturity = 20

// SignalSource derives engine inputs for a user.
type SignalSource interface {
	Signals(ctx context.Context, userID int64) (Signals, error)
}

// LedgerSignals derives signals from the entries a user is a party to, as
// decided by lifecycle.Parties. An auditor who flags a document is not
// charged with it.
//
//   - trade_failure_rate: trades that were DISPUTED or CANCELLED / trades
//   - tamper_rate: documents that failed verification or carry a tamper
//     scar / documents
//   - activity_risk: 0.5 * (1 - min(completed, maturity) / maturity)
//   - external_risk: from the ExternalSource
//
// A signal with no history behind it is NeutralSignal.
type LedgerSignals struct {
	store    ledger.Store
	external ExternalSource
	maturity int
}

// NewLedgerSignals creates a LedgerSignals. external may be nil.
func NewLedgerSignals(store ledger.Store, external ExternalSource, maturity int) *LedgerSignals {
	if maturity <= 0 {
		maturity = DefaultActivityMaturity
	}
	return &LedgerSignals{store: store, external: external, maturity: maturity}
}

// Signals implements SignalSource.
func (s *LedgerSignals) Signals(ctx context.Context, userID int64) (Signals, error) {
	party := userID
	entries, err := s.store.List(ctx, ledger.Filter{Party: &party})
	if err != nil {
		return Signals{}, fmt.Errorf("list entries for user %d: %w", userID, err)
	}

	trades := make(map[string]bool)
	documents := make(map[string]bool)
	for _, e := range entries {
		if !lifecycle.IsParty(e, userID) {
			continue
		}
		switch {
		case e.SubjectType == ledger.SubjectTrade && e.SubjectID != nil:
			trades[*e.SubjectID] = true
		case e.SubjectType == ledger.SubjectDocument && e.SubjectID != nil:
			documents[*e.SubjectID] = true
		case e.Action == ledger.ActionTamperDetected &&
			e.Metadata.String(ledger.MetaTamperedSubjectType) == string(ledger.SubjectDocument):
			if id := e.Metadata.String(ledger.MetaTamperedSubjectID); id != "" {
				documents[id] = true
			}
		}
	}

	out := Signals{
		TradeFailureRate: NeutralSignal,
		TamperRate:       NeutralSignal,
		ActivityRisk:     NeutralSignal,
		ExternalRisk:     NeutralSignal,
	}

	if len(trades) > 0 {
		failed, completed := 0, 0
		for id := range trades {
			hist, err := s.history(ctx, ledger.SubjectTrade, id)
			if err != nil {
				return Signals{}, err
			}
			if hasAction(hist, ledger.ActionDisputed, ledger.ActionCancelled) {
				failed++
			}
			if hasAction(hist, ledger.ActionCompleted) {
				completed++
			}
		}
		out.TradeFailureRate = float64(failed) / float64(len(trades))
		out.ActivityRisk = activityRisk(completed, s.maturity)
	}

	if len(documents) > 0 {
		scarred, err := s.scarredDocuments(ctx)
		if err != nil {
			return Signals{}, err
		}
		tampered := 0
		for id := range documents {
			if scarred[id] {
				tampered++
				continue
			}
			hist, err := s.history(ctx, ledger.SubjectDocument, id)
			if err != nil {
				return Signals{}, err
			}
			if failedVerification(hist) {
				tampered++
			}
		}
		out.TamperRate = float64(tampered) / float64(len(documents))
	}

	if s.external != nil {
		v, known, err := s.external.ExternalRisk(ctx, userID)
		if err != nil {
			return Signals{}, fmt.Errorf("external risk for user %d: %w", userID, err)
		}
		if known {
			out.ExternalRisk = v
		}
	}
	return out, nil
}

func (s *LedgerSignals) history(ctx context.Context, t ledger.SubjectType, id string) ([]*ledger.Entry, error) {
	entries, err := s.store.List(ctx, ledger.Filter{SubjectType: t, SubjectID: &id})
	if err != nil {
		return nil, fmt.Errorf("list %s %s: %w", t, id, err)
	}
	return entries, nil
}

// scarredDocuments returns the documents named by any tamper scar.
func (s *LedgerSignals) scarredDocuments(ctx context.Context) (map[string]bool, error) {
	scars, err := s.store.List(ctx, ledger.Filter{SubjectType: ledger.SubjectSystem, Action: ledger.ActionTamperDetected})
	if err != nil {
		return nil, fmt.Errorf("list tamper scars: %w", err)
	}
	out := make(map[string]bool)
	for _, e := range scars {
		if e.Metadata.String(ledger.MetaTamperedSubjectType) == string(ledger.SubjectDocument) {
			out[e.Metadata.String(ledger.MetaTamperedSubjectID)] = true
		}
	}
	return out, nil
}

func hasAction(entries []*ledger.Entry, actions ...ledger.Action) bool {
	for _, e := range entries {
		for _, a := range actions {
			if e.Action == a {
				return true
			}
		}
	}
	return false
}

func failedVerification(entries []*ledger.Entry) bool {
	for _, e := range entries {
		if e.Action == ledger.ActionVerified && e.Metadata.String(ledger.MetaResult) == ledger.ResultFail {
			return true
		}
	}
	return false
}

func activityRisk(completed, maturity int) float64 {
	if completed > maturity {
		completed = maturity
	}
	return NeutralSignal * (1 - float64(completed)/float64(maturity))
}

// Parties lists every user that is a party to a trade, document or tamper
// scar, or the subject of a USER entry, ascending.
func (s *LedgerSignals) Parties(ctx context.Context) ([]int64, error) {
	entries, err := s.store.List(ctx, ledger.Filter{})
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	seen := make(map[int64]bool)
	for _, e := range entries {
		if e.SubjectType != ledger.SubjectUser {
			for _, id := range lifecycle.Parties(e) {
				seen[id] = true
			}
		}
		if e.SubjectType == ledger.SubjectUser && e.SubjectID != nil {
			if id, err := strconv.ParseInt(*e.SubjectID, 10, 64); err == nil {
				seen[id] = true
			}
		}
	}
	return sortedIDs(seen), nil
}

func sortedIDs(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
