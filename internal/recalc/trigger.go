// Package recalc schedules risk recomputation off the append path. Jobs run
// on a bounded in-process worker pool with a fixed number of attempts; jobs
// that cannot be completed are handed to a dead-letter sink.
package recalc

import (
	"github.com/jmerrifield20/tradeledger/internal/ledger"
	"github.com/jmerrifield20/tradeledger/internal/lifecycle"
)

// Trigger reasons recorded on recomputed scores.
const (
	ReasonDocumentVerified = "DOCUMENT_VERIFIED"
	ReasonTradeDisputed    = "TRADE_DISPUTED"
	ReasonTradeCompleted   = "TRADE_COMPLETED"
	ReasonTradePaid        = "TRADE_PAID"
	ReasonTamperDetected   = "TAMPER_DETECTED"
	ReasonBulkAdmin        = "BULK_ADMIN"
)

// Trigger reports whether e should cause a recomputation, and for whom.
// Document verification, trade DISPUTED, COMPLETED or PAID, and tamper
// scars qualify; the affected users are the entry's lifecycle.Parties, the
// same users whose signals the entry moves.
func Trigger(e *ledger.Entry) (reason string, users []int64, ok bool) {
	switch {
	case e.SubjectType == ledger.SubjectDocument && e.Action == ledger.ActionVerified:
		reason = ReasonDocumentVerified
	case e.SubjectType == ledger.SubjectTrade && e.Action == ledger.ActionDisputed:
		reason = ReasonTradeDisputed
	case e.SubjectType == ledger.SubjectTrade && e.Action == ledger.ActionCompleted:
		reason = ReasonTradeCompleted
	case e.SubjectType == ledger.SubjectTrade && e.Action == ledger.ActionPaid:
		reason = ReasonTradePaid
	case e.SubjectType == ledger.SubjectSystem && e.Action == ledger.ActionTamperDetected:
		reason = ReasonTamperDetected
	default:
		return "", nil, false
	}
	users = lifecycle.Parties(e)
	return reason, users, len(users) > 0
}
