package ledger

import "errors"

var (
	// ErrChainConflict is returned when another writer claimed the chain tail
	// between reading it and inserting. The append may be retried.
	ErrChainConflict = errors.New("ledger: chain conflict")

	// ErrInvalidAction is returned for actions outside the closed enum.
	ErrInvalidAction = errors.New("ledger: invalid action")

	// ErrInvalidSubjectType is returned for unknown subject types.
	ErrInvalidSubjectType = errors.New("ledger: invalid subject type")

	// ErrInvalidSubject is returned when a subject id is missing or present
	// where the subject type forbids it.
	ErrInvalidSubject = errors.New("ledger: invalid subject id")

	// ErrNotFound is returned when an entry does not exist.
	ErrNotFound = errors.New("ledger: entry not found")
)
