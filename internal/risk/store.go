package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a user has no stored risk score.
var ErrNotFound = errors.New("risk: score not found")

// RiskScore is the latest assessment for one counterparty. It is overwritten
// on every recomputation.
type RiskScore struct {
	SubjectID   int64           `json:"subject_id"`
	Score       decimal.Decimal `json:"score"`
	Category    Category        `json:"category"`
	Rationale   []string        `json:"rationale"`
	Signals     Signals         `json:"signals"`
	Reason      string          `json:"reason"`
	LastUpdated time.Time       `json:"last_updated"`
}

func (r *RiskScore) clone() *RiskScore {
	cp := *r
	cp.Rationale = append([]string(nil), r.Rationale...)
	return &cp
}

// ScoreStore persists risk scores with create-or-update semantics.
type ScoreStore interface {
	Get(ctx context.Context, subjectID int64) (*RiskScore, error)
	Upsert(ctx context.Context, s *RiskScore) error
	// SubjectIDs lists every user that has a stored score, ascending.
	SubjectIDs(ctx context.Context) ([]int64, error)
}

// MemoryScoreStore is a ScoreStore for tests and single-process use.
type MemoryScoreStore struct {
	mu     sync.RWMutex
	scores map[int64]*RiskScore
}

// NewMemoryScoreStore creates an empty MemoryScoreStore.
func NewMemoryScoreStore() *MemoryScoreStore {
	return &MemoryScoreStore{scores: make(map[int64]*RiskScore)}
}

// Get implements ScoreStore.
func (m *MemoryScoreStore) Get(_ context.Context, subjectID int64) (*RiskScore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scores[subjectID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", subjectID, ErrNotFound)
	}
	return s.clone(), nil
}

// Upsert implements ScoreStore.
func (m *MemoryScoreStore) Upsert(_ context.Context, s *RiskScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[s.SubjectID] = s.clone()
	return nil
}

// SubjectIDs implements ScoreStore.
func (m *MemoryScoreStore) SubjectIDs(_ context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.scores))
	for id := range m.scores {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
