package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresScoreStore persists risk scores in the risk_scores table.
type PostgresScoreStore struct {
	pool *pgxpool.Pool
}

// NewPostgresScoreStore creates a PostgresScoreStore.
func NewPostgresScoreStore(pool *pgxpool.Pool) *PostgresScoreStore {
	return &PostgresScoreStore{pool: pool}
}

// Get implements ScoreStore.
func (p *PostgresScoreStore) Get(ctx context.Context, subjectID int64) (*RiskScore, error) {
	var (
		s        RiskScore
		score    string
		category string
		signals  []byte
	)
	err := p.pool.QueryRow(ctx,
		`SELECT subject_id, score::text, category, rationale, signals, reason, last_updated
		 FROM risk_scores WHERE subject_id = $1`, subjectID,
	).Scan(&s.SubjectID, &score, &category, &s.Rationale, &signals, &s.Reason, &s.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %d: %w", subjectID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get risk score %d: %w", subjectID, err)
	}

	if s.Score, err = decimal.NewFromString(score); err != nil {
		return nil, fmt.Errorf("parse stored score %q: %w", score, err)
	}
	if err := json.Unmarshal(signals, &s.Signals); err != nil {
		return nil, fmt.Errorf("decode stored signals: %w", err)
	}
	s.Category = Category(category)
	s.LastUpdated = s.LastUpdated.UTC()
	if s.Rationale == nil {
		s.Rationale = []string{}
	}
	return &s, nil
}

// Upsert implements ScoreStore.
func (p *PostgresScoreStore) Upsert(ctx context.Context, s *RiskScore) error {
	signals, err := json.Marshal(s.Signals)
	if err != nil {
		return fmt.Errorf("encode signals: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO risk_scores (subject_id, score, category, rationale, signals, reason, last_updated)
		 VALUES ($1, $2::text::numeric, $3, $4, $5::text::jsonb, $6, $7)
		 ON CONFLICT (subject_id) DO UPDATE SET
		     score        = EXCLUDED.score,
		     category     = EXCLUDED.category,
		     rationale    = EXCLUDED.rationale,
		     signals      = EXCLUDED.signals,
		     reason       = EXCLUDED.reason,
		     last_updated = EXCLUDED.last_updated`,
		s.SubjectID, s.Score.StringFixed(2), string(s.Category), s.Rationale, string(signals), s.Reason, s.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("upsert risk score %d: %w", s.SubjectID, err)
	}
	return nil
}

// SubjectIDs implements ScoreStore.
func (p *PostgresScoreStore) SubjectIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.pool.Query(ctx, "SELECT subject_id FROM risk_scores ORDER BY subject_id")
	if err != nil {
		return nil, fmt.Errorf("list scored users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}
