package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultAppendAttempts bounds how many times Append re-reads the tail after
// losing a race to another writer.
const DefaultAppendAttempts = 5

// AppendRecorder is an optional callback for recording append outcomes.
type AppendRecorder func(action Action, conflicts int, err error)

// AppendRequest carries the logical fields of a new entry.
type AppendRequest struct {
	SubjectType SubjectType
	SubjectID   *string
	Action      Action
	ActorID     *int64
	Metadata    map[string]any
}

// Service orchestrates entry creation on top of a Store.
type Service struct {
	store     Store
	attempts  int
	now       func() time.Time
	onMetrics AppendRecorder
	logger    *zap.Logger
}

// NewService creates a ledger Service. attempts <= 0 selects DefaultAppendAttempts.
func NewService(store Store, attempts int, logger *zap.Logger) *Service {
	if attempts <= 0 {
		attempts = DefaultAppendAttempts
	}
	return &Service{
		store:    store,
		attempts: attempts,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn AppendRecorder) {
	s.onMetrics = fn
}

// SetClock replaces the time source used for created_at.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Store returns the underlying store for read paths.
func (s *Service) Store() Store {
	return s.store
}

// Append chains a new entry onto the current tail and persists it.
//
// If another writer advances the tail between the read and the insert, the
// hash is recomputed against the new tail, up to the configured number of
// attempts; after that ErrChainConflict is returned and nothing is written.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	md, err := NormalizeMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	conflicts := 0
	for attempt := 1; attempt <= s.attempts; attempt++ {
		entry, err := s.tryAppend(ctx, req, md)
		if err == nil {
			s.record(req.Action, conflicts, nil)
			s.logger.Debug("ledger entry appended",
				zap.Int64("id", entry.ID),
				zap.String("action", string(entry.Action)),
				zap.String("subject_type", string(entry.SubjectType)),
				zap.Int("conflicts", conflicts),
			)
			return entry, nil
		}
		if !errors.Is(err, ErrChainConflict) {
			s.record(req.Action, conflicts, err)
			return nil, err
		}
		conflicts++
		s.logger.Warn("ledger tail moved during append, retrying",
			zap.String("action", string(req.Action)),
			zap.Int("attempt", attempt),
		)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	s.record(req.Action, conflicts, ErrChainConflict)
	return nil, fmt.Errorf("append %s after %d attempts: %w", req.Action, s.attempts, ErrChainConflict)
}

func (s *Service) tryAppend(ctx context.Context, req AppendRequest, md Metadata) (*Entry, error) {
	tail, err := s.store.Tail(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := s.now()
	if createdAt.Before(tail.CreatedAt) {
		createdAt = tail.CreatedAt
	}

	entry := &Entry{
		SubjectType:  req.SubjectType,
		SubjectID:    req.SubjectID,
		Action:       req.Action,
		ActorID:      req.ActorID,
		Metadata:     md.Clone(),
		PreviousHash: tail.Hash,
		CreatedAt:    createdAt,
	}
	entry.EntryHash, err = entry.ComputeHash()
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) record(action Action, conflicts int, err error) {
	if s.onMetrics != nil {
		s.onMetrics(action, conflicts, err)
	}
}

func validateRequest(req AppendRequest) error {
	if !req.SubjectType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSubjectType, req.SubjectType)
	}
	if !req.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}
	switch {
	case req.SubjectType == SubjectSystem && req.SubjectID != nil:
		return fmt.Errorf("%w: SYSTEM entries carry no subject id", ErrInvalidSubject)
	case req.SubjectType != SubjectSystem && (req.SubjectID == nil || *req.SubjectID == ""):
		return fmt.Errorf("%w: %s entries require a subject id", ErrInvalidSubject, req.SubjectType)
	}
	return nil
}
