package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the sentinel previous_hash carried by the first entry of the chain.
const GenesisHash = "GENESIS"

// SubjectType classifies what a ledger entry is about.
type SubjectType string

const (
	SubjectDocument SubjectType = "DOCUMENT"
	SubjectTrade    SubjectType = "TRADE"
	SubjectUser     SubjectType = "USER"
	SubjectSystem   SubjectType = "SYSTEM"
)

// Valid reports whether t is one of the known subject types.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectDocument, SubjectTrade, SubjectUser, SubjectSystem:
		return true
	}
	return false
}

// Action is the closed set of lifecycle events the ledger accepts.
type Action string

const (
	ActionIssued         Action = "ISSUED"
	ActionAmended        Action = "AMENDED"
	ActionShipped        Action = "SHIPPED"
	ActionReceived       Action = "RECEIVED"
	ActionVerified       Action = "VERIFIED"
	ActionPaid           Action = "PAID"
	ActionCompleted      Action = "COMPLETED"
	ActionCancelled      Action = "CANCELLED"
	ActionDisputed       Action = "DISPUTED"
	ActionTamperDetected Action = "TAMPER_DETECTED"
	ActionUserApproved   Action = "USER_APPROVED"
	ActionUserRejected   Action = "USER_REJECTED"
)

var knownActions = map[Action]struct{}{
	ActionIssued:         {},
	ActionAmended:        {},
	ActionShipped:        {},
	ActionReceived:       {},
	ActionVerified:       {},
	ActionPaid:           {},
	ActionCompleted:      {},
	ActionCancelled:      {},
	ActionDisputed:       {},
	ActionTamperDetected: {},
	ActionUserApproved:   {},
	ActionUserRejected:   {},
}

// Valid reports whether a is a member of the action enum.
func (a Action) Valid() bool {
	_, ok := knownActions[a]
	return ok
}

// ParseAction converts s into an Action, returning ErrInvalidAction for unknown values.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// ParseSubjectType converts s into a SubjectType.
func ParseSubjectType(s string) (SubjectType, error) {
	t := SubjectType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubjectType, s)
	}
	return t, nil
}

// Entry is a single immutable record in the activity ledger.
type Entry struct {
	ID           int64       `json:"id"`
	SubjectType  SubjectType `json:"subject_type"`
	SubjectID    *string     `json:"subject_id"`
	Action       Action      `json:"action"`
	ActorID      *int64      `json:"actor_id"`
	Metadata     Metadata    `json:"metadata"`
	PreviousHash string      `json:"previous_hash"`
	EntryHash    string      `json:"entry_hash"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ComputeHash recomputes the entry hash from the entry's logical fields.
func (e *Entry) ComputeHash() (string, error) {
	return Hash(e.SubjectID, e.Action, e.ActorID, e.Metadata, e.PreviousHash)
}

// Clone returns a deep copy so callers can never mutate stored state.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.SubjectID != nil {
		s := *e.SubjectID
		cp.SubjectID = &s
	}
	if e.ActorID != nil {
		a := *e.ActorID
		cp.ActorID = &a
	}
	cp.Metadata = e.Metadata.Clone()
	return &cp
}

// Tail identifies the most recent entry of the chain.
type Tail struct {
	ID        int64
	Hash      string
	CreatedAt time.Time
}

// IntSubject renders an integer subject id the way it enters the hash.
func IntSubject(id int64) *string {
	s := strconv.FormatInt(id, 10)
	return &s
}

// UUIDSubject renders a UUID subject id in canonical lowercase form.
func UUIDSubject(id uuid.UUID) *string {
	s := id.String()
	return &s
}

// Actor returns a pointer to id, for building entries with a human actor.
func Actor(id int64) *int64 {
	return &id
}
