package ledger

import "context"

// Store is the append-only persistence layer of the ledger. It is the only
// component allowed to mutate chain state.
//
// Insert must be an atomic conditional insert: it fails with ErrChainConflict
// when e.PreviousHash is not the hash of the current tail, so that two entries
// can never be chained to the same predecessor.
type Store interface {
	// Tail returns the most recent entry's id and hash, or {0, GenesisHash}
	// for an empty ledger.
	Tail(ctx context.Context) (Tail, error)

	// Insert appends e, assigning e.ID.
	Insert(ctx context.Context, e *Entry) error

	// Get returns the entry with the given id.
	Get(ctx context.Context, id int64) (*Entry, error)

	// Before returns the entry immediately preceding id in insertion order,
	// or nil when id is the first entry.
	Before(ctx context.Context, id int64) (*Entry, error)

	// List returns entries matching f in ascending insertion order. The
	// result is a consistent snapshot of the prefix visible when it started.
	List(ctx context.Context, f Filter) ([]*Entry, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int64, error)
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	SubjectType SubjectType
	SubjectID   *string
	Action      Action
	// Party matches entries whose actor is the party or whose
	// "counterparties" metadata lists it.
	Party   *int64
	AfterID int64
	Limit   int
}

// MetaCounterparties is the metadata key listing the users an entry concerns.
const MetaCounterparties = "counterparties"

func (f Filter) matches(e *Entry) bool {
	if f.SubjectType != "" && e.SubjectType != f.SubjectType {
		return false
	}
	if f.SubjectID != nil && (e.SubjectID == nil || *e.SubjectID != *f.SubjectID) {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if e.ID <= f.AfterID {
		return false
	}
	if f.Party != nil && !involves(e, *f.Party) {
		return false
	}
	return true
}

func involves(e *Entry, party int64) bool {
	if e.ActorID != nil && *e.ActorID == party {
		return true
	}
	for _, id := range e.Metadata.Int64s(MetaCounterparties) {
		if id == party {
			return true
		}
	}
	return false
}
