package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PartyLister is implemented by signal sources that can enumerate the users
// they hold history for.
type PartyLister interface {
	Parties(ctx context.Context) ([]int64, error)
}

// Service reads and recomputes stored risk scores.
type Service struct {
	engine  Engine
	signals SignalSource
	scores  ScoreStore
	now     func() time.Time
	logger  *zap.Logger
}

// NewService creates a risk Service.
func NewService(signals SignalSource, scores ScoreStore, logger *zap.Logger) *Service {
	return &Service{
		signals: signals,
		scores:  scores,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// SetClock replaces the time source used for last_updated.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Get returns the stored score for userID, or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID int64) (*RiskScore, error) {
	return s.scores.Get(ctx, userID)
}

// Recompute derives fresh signals for userID, scores them and overwrites the
// stored score. With unchanged signals the stored score and rationale are
// identical to the previous run.
func (s *Service) Recompute(ctx context.Context, userID int64, reason string) (*RiskScore, error) {
	sig, err := s.signals.Signals(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("derive signals: %w", err)
	}
	a, err := s.engine.Score(sig)
	if err != nil {
		return nil, err
	}

	rs := &RiskScore{
		SubjectID:   userID,
		Score:       a.Score,
		Category:    a.Category,
		Rationale:   a.Rationale,
		Signals:     a.Signals,
		Reason:      reason,
		LastUpdated: s.now(),
	}
	if err := s.scores.Upsert(ctx, rs); err != nil {
		return nil, err
	}

	s.logger.Debug("risk score recomputed",
		zap.Int64("user_id", userID),
		zap.String("score", rs.Score.StringFixed(2)),
		zap.String("category", string(rs.Category)),
		zap.String("reason", reason),
	)
	return rs, nil
}

// Subjects lists every user a bulk recalculation should cover: those with a
// stored score plus those the signal source knows about.
func (s *Service) Subjects(ctx context.Context) ([]int64, error) {
	set := make(map[int64]bool)
	scored, err := s.scores.SubjectIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range scored {
		set[id] = true
	}
	if pl, ok := s.signals.(PartyLister); ok {
		parties, err := pl.Parties(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range parties {
			set[id] = true
		}
	}
	return sortedIDs(set), nil
}
