package lifecycle

import "github.com/jmerrifield20/tradeledger/internal/ledger"

// Role is the business role of the actor that emitted an entry.
type Role string

const (
	RoleExporter Role = "EXPORTER"
	RoleImporter Role = "IMPORTER"
	RoleAuditor  Role = "AUDITOR"
	RoleAdmin    Role = "ADMIN"
	// RoleSystem is implied for entries with no actor.
	RoleSystem Role = "SYSTEM"
)

// ParseRole converts s into a Role. The empty string yields "" (unknown).
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleExporter, RoleImporter, RoleAuditor, RoleAdmin, RoleSystem, "":
		return r, true
	}
	return "", false
}

// AuthorizedRoles is the single per-action allow-list of roles. An action
// missing from the table may not be emitted by anyone.
var AuthorizedRoles = map[ledger.Action][]Role{
	ledger.ActionIssued:         {RoleExporter, RoleAdmin},
	ledger.ActionAmended:        {RoleExporter, RoleAdmin},
	ledger.ActionShipped:        {RoleExporter, RoleAdmin},
	ledger.ActionReceived:       {RoleImporter, RoleAdmin},
	ledger.ActionVerified:       {RoleAuditor},
	ledger.ActionPaid:           {RoleImporter, RoleAdmin},
	ledger.ActionCompleted:      {RoleImporter, RoleExporter, RoleAdmin, RoleSystem},
	ledger.ActionCancelled:      {RoleExporter, RoleImporter, RoleAdmin},
	ledger.ActionDisputed:       {RoleExporter, RoleImporter, RoleAdmin},
	ledger.ActionTamperDetected: {RoleAuditor, RoleSystem},
	ledger.ActionUserApproved:   {RoleAdmin},
	ledger.ActionUserRejected:   {RoleAdmin},
}

// Stage is one step of an expected lifecycle order.
type Stage struct {
	Action ledger.Action
	// Repeatable stages may occur any number of times, are exempt from
	// ordering, and are never reported missing.
	Repeatable bool
}

// Policy describes the expected progression for one subject type.
type Policy struct {
	SubjectType ledger.SubjectType
	Order       []Stage
	// Terminal actions end the lifecycle; no ordered stage may follow them.
	Terminal []ledger.Action
}

// DocumentPolicy: ISSUED → AMENDED* → SHIPPED → RECEIVED → VERIFIED → PAID.
var DocumentPolicy = &Policy{
	SubjectType: ledger.SubjectDocument,
	Order: []Stage{
		{Action: ledger.ActionIssued},
		{Action: ledger.ActionAmended, Repeatable: true},
		{Action: ledger.ActionShipped},
		{Action: ledger.ActionReceived},
		{Action: ledger.ActionVerified},
		{Action: ledger.ActionPaid},
	},
	Terminal: []ledger.Action{ledger.ActionCancelled},
}

// TradePolicy: ISSUED → SHIPPED → RECEIVED → PAID → COMPLETED.
var TradePolicy = &Policy{
	SubjectType: ledger.SubjectTrade,
	Order: []Stage{
		{Action: ledger.ActionIssued},
		{Action: ledger.ActionShipped},
		{Action: ledger.ActionReceived},
		{Action: ledger.ActionPaid},
		{Action: ledger.ActionCompleted},
	},
	Terminal: []ledger.Action{ledger.ActionCancelled},
}

func (p *Policy) index(a ledger.Action) (int, bool) {
	for i, s := range p.Order {
		if s.Action == a {
			return i, true
		}
	}
	return -1, false
}

func (p *Policy) terminal(a ledger.Action) bool {
	for _, t := range p.Terminal {
		if t == a {
			return true
		}
	}
	return false
}

// missingBefore lists required stages with index < upto that were not seen.
func (p *Policy) missingBefore(upto int, seen map[ledger.Action]bool) []ledger.Action {
	var missing []ledger.Action
	for i := 0; i < upto && i < len(p.Order); i++ {
		s := p.Order[i]
		if !s.Repeatable && !seen[s.Action] {
			missing = append(missing, s.Action)
		}
	}
	return missing
}

func authorized(action ledger.Action, role Role) bool {
	for _, r := range AuthorizedRoles[action] {
		if r == role {
			return true
		}
	}
	return false
}
