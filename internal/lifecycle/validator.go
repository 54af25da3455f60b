// Package lifecycle checks that a subject's ledger entries follow the
// expected business order and were emitted by actors with the right role.
package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmerrifield20/tradeledger/internal/ledger"
)

// MetaActorRole is the metadata key under which the actor's role is
// committed into each entry.
const MetaActorRole = "actor_role"

var (
	// ErrInvalidTransition is returned when an action would break the lifecycle order.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrUnauthorizedActor is returned when the actor's role may not emit the action.
	ErrUnauthorizedActor = errors.New("lifecycle: unauthorized actor")
)

// ViolationKind classifies a lifecycle violation.
type ViolationKind string

const (
	ViolationOutOfOrder    ViolationKind = "OUT_OF_ORDER"
	ViolationDuplicate     ViolationKind = "DUPLICATE"
	ViolationMissingStage  ViolationKind = "MISSING_STAGE"
	ViolationAfterTerminal ViolationKind = "AFTER_TERMINAL"
	ViolationUnauthorized  ViolationKind = "UNAUTHORIZED_ACTOR"
)

// Violation is one problem found in a subject's history.
type Violation struct {
	EntryID int64         `json:"entry_id"`
	Action  ledger.Action `json:"action"`
	Kind    ViolationKind `json:"kind"`
	Detail  string        `json:"detail"`
}

// Result is the outcome of validating a subject's history.
type Result struct {
	IsValid          bool            `json:"is_valid"`
	MissingStages    []ledger.Action `json:"missing_stages"`
	DuplicateActions []ledger.Action `json:"duplicate_actions"`
	Violations       []Violation     `json:"violations"`
}

// TransitionError explains why a proposed action was rejected before append.
type TransitionError struct {
	SubjectType ledger.SubjectType
	SubjectID   string
	Action      ledger.Action
	Kind        ViolationKind
	Missing     []ledger.Action
	Role        Role
	Detail      string
}

func (e *TransitionError) Error() string {
	prefix := fmt.Sprintf("cannot record %s for %s %s", e.Action, e.SubjectType, e.SubjectID)
	switch e.Kind {
	case ViolationMissingStage:
		return fmt.Sprintf("%s: missing prior stage(s) %s", prefix, joinActions(e.Missing))
	case ViolationUnauthorized:
		return fmt.Sprintf("%s: role %q may not emit %s", prefix, e.Role, e.Action)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Detail)
	}
}

// Unwrap maps the error onto ErrUnauthorizedActor or ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	if e.Kind == ViolationUnauthorized {
		return ErrUnauthorizedActor
	}
	return ErrInvalidTransition
}

// Validator applies lifecycle policies keyed by subject type.
type Validator struct {
	policies map[ledger.SubjectType]*Policy
}

// NewValidator creates a Validator. With no policies it uses DocumentPolicy
// and TradePolicy.
func NewValidator(policies ...*Policy) *Validator {
	if len(policies) == 0 {
		policies = []*Policy{DocumentPolicy, TradePolicy}
	}
	v := &Validator{policies: make(map[ledger.SubjectType]*Policy, len(policies))}
	for _, p := range policies {
		v.policies[p.SubjectType] = p
	}
	return v
}

// RoleOf returns the role committed in e's metadata; entries without an
// actor are SYSTEM. "" means the role is unknown.
func RoleOf(e *ledger.Entry) Role {
	if e.ActorID == nil {
		return RoleSystem
	}
	return Role(e.Metadata.String(MetaActorRole))
}

// Parties returns the users e concerns, ascending: its counterparties, plus
// the actor unless the actor acted as AUDITOR, ADMIN or SYSTEM. Auditors and
// administrators observe a subject without becoming a party to it.
func Parties(e *ledger.Entry) []int64 {
	set := make(map[int64]bool)
	for _, id := range e.Metadata.Int64s(ledger.MetaCounterparties) {
		set[id] = true
	}
	if e.ActorID != nil {
		switch RoleOf(e) {
		case RoleAuditor, RoleAdmin, RoleSystem:
		default:
			set[*e.ActorID] = true
		}
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsParty reports whether user is one of e's Parties.
func IsParty(e *ledger.Entry, user int64) bool {
	for _, id := range Parties(e) {
		if id == user {
			return true
		}
	}
	return false
}

// Validate checks an ordered subject history. An entry whose actor carries
// no role is unauthorized for every action, as in CheckTransition.
func (v *Validator) Validate(subjectType ledger.SubjectType, entries []*ledger.Entry) *Result {
	res := &Result{
		MissingStages:    []ledger.Action{},
		DuplicateActions: []ledger.Action{},
		Violations:       []Violation{},
	}
	policy := v.policies[subjectType]

	highest := -1
	seen := make(map[ledger.Action]bool)
	dupReported := make(map[ledger.Action]bool)
	var terminatedBy *ledger.Entry

	for _, e := range entries {
		if role := RoleOf(e); !authorized(e.Action, role) {
			detail := fmt.Sprintf("role %s may not emit %s", role, e.Action)
			if role == "" {
				detail = fmt.Sprintf("actor %d has no role for %s", *e.ActorID, e.Action)
			}
			res.Violations = append(res.Violations, Violation{
				EntryID: e.ID, Action: e.Action, Kind: ViolationUnauthorized,
				Detail: detail,
			})
		}
		if policy == nil {
			continue
		}

		idx, ordered := policy.index(e.Action)
		if ordered && terminatedBy != nil {
			res.Violations = append(res.Violations, Violation{
				EntryID: e.ID, Action: e.Action, Kind: ViolationAfterTerminal,
				Detail: fmt.Sprintf("%s after %s at entry #%d", e.Action, terminatedBy.Action, terminatedBy.ID),
			})
		}
		if ordered && !policy.Order[idx].Repeatable {
			if seen[e.Action] {
				if !dupReported[e.Action] {
					res.DuplicateActions = append(res.DuplicateActions, e.Action)
					dupReported[e.Action] = true
				}
				res.Violations = append(res.Violations, Violation{
					EntryID: e.ID, Action: e.Action, Kind: ViolationDuplicate,
					Detail: fmt.Sprintf("%s already recorded", e.Action),
				})
			}
			if idx < highest {
				res.Violations = append(res.Violations, Violation{
					EntryID: e.ID, Action: e.Action, Kind: ViolationOutOfOrder,
					Detail: fmt.Sprintf("%s after %s", e.Action, policy.Order[highest].Action),
				})
			}
			seen[e.Action] = true
			if idx > highest {
				highest = idx
			}
		}
		if policy.terminal(e.Action) && terminatedBy == nil {
			terminatedBy = e
		}
	}

	if policy != nil && highest > 0 {
		res.MissingStages = append(res.MissingStages, policy.missingBefore(highest, seen)...)
	}
	res.IsValid = len(res.Violations) == 0 && len(res.MissingStages) == 0
	return res
}

// CheckTransition decides whether action may be appended to history, the
// subject's existing entries in insertion order. It returns a *TransitionError
// describing the first problem, or nil.
func (v *Validator) CheckTransition(subjectType ledger.SubjectType, subjectID string, history []*ledger.Entry, action ledger.Action, actorID *int64, role Role) error {
	terr := func(kind ViolationKind, detail string) *TransitionError {
		return &TransitionError{
			SubjectType: subjectType, SubjectID: subjectID, Action: action,
			Kind: kind, Role: role, Detail: detail,
		}
	}

	if actorID == nil {
		role = RoleSystem
	}
	if !authorized(action, role) {
		return terr(ViolationUnauthorized, "")
	}

	policy := v.policies[subjectType]
	if policy == nil {
		return nil
	}

	highest := -1
	seen := make(map[ledger.Action]bool)
	var terminatedBy ledger.Action
	for _, e := range history {
		if idx, ok := policy.index(e.Action); ok {
			seen[e.Action] = true
			if !policy.Order[idx].Repeatable && idx > highest {
				highest = idx
			}
		}
		if terminatedBy == "" && policy.terminal(e.Action) {
			terminatedBy = e.Action
		}
	}

	idx, ordered := policy.index(action)
	if policy.terminal(action) && terminatedBy != "" {
		return terr(ViolationDuplicate, fmt.Sprintf("already %s", terminatedBy))
	}
	if !ordered {
		return nil
	}
	if terminatedBy != "" {
		return terr(ViolationAfterTerminal, fmt.Sprintf("subject is %s", terminatedBy))
	}
	stage := policy.Order[idx]
	if !stage.Repeatable && seen[action] {
		return terr(ViolationDuplicate, fmt.Sprintf("%s already recorded", action))
	}
	if !stage.Repeatable && idx < highest {
		return terr(ViolationOutOfOrder, fmt.Sprintf("%s already reached", policy.Order[highest].Action))
	}
	if missing := policy.missingBefore(idx, seen); len(missing) > 0 {
		e := terr(ViolationMissingStage, "")
		e.Missing = missing
		return e
	}
	return nil
}

func joinActions(as []ledger.Action) string {
	parts := make([]string, len(as))
	for i, a := range as {
		parts[i] = string(a)
	}
	return strings.Join(parts, ", ")
}
