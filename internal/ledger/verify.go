package ledger

import (
	"context"
	"fmt"
)

// FailureKind classifies a verification divergence.
type FailureKind string

const (
	// BrokenLink: an entry's previous_hash is not its predecessor's entry_hash.
	BrokenLink FailureKind = "BROKEN_LINK"
	// DataTampered: an entry's stored fields no longer hash to its entry_hash.
	DataTampered FailureKind = "DATA_TAMPERED"
)

// Mode selects how far a verification pass goes after the first failure.
type Mode int

const (
	// StopAtFirst ends the pass at the first divergence (on-demand checks).
	StopAtFirst Mode = iota
	// Exhaustive continues to enumerate every divergent entry (batch audits).
	Exhaustive
)

// Scope restricts verification to one subject's view of the global chain.
// The zero value verifies the whole ledger.
type Scope struct {
	SubjectType SubjectType `json:"subject_type,omitempty"`
	SubjectID   *string     `json:"subject_id,omitempty"`
}

// All reports whether s covers the whole ledger.
func (s Scope) All() bool {
	return s.SubjectID == nil
}

func (s Scope) String() string {
	if s.All() {
		return "ALL"
	}
	if s.SubjectType == "" {
		return *s.SubjectID
	}
	return string(s.SubjectType) + ":" + *s.SubjectID
}

// Failure is a single divergence found by the verifier.
type Failure struct {
	EntryID  int64       `json:"entry_id"`
	Kind     FailureKind `json:"kind"`
	Expected string      `json:"expected"`
	Actual   string      `json:"actual"`
}

func (f Failure) String() string {
	return fmt.Sprintf("TAMPERED at entry #%d (%s): expected %s, got %s", f.EntryID, f.Kind, f.Expected, f.Actual)
}

// Report is the outcome of a verification pass.
type Report struct {
	Valid    bool      `json:"valid"`
	Scope    string    `json:"scope"`
	Checked  int       `json:"checked"`
	TipHash  string    `json:"tip_hash"`
	Failures []Failure `json:"failures"`
}

// Summary renders a one-line human-readable verdict.
func (r *Report) Summary() string {
	if r.Valid {
		return fmt.Sprintf("OK: %d entries verified (%s)", r.Checked, r.Scope)
	}
	f := r.Failures[0]
	s := fmt.Sprintf("TAMPERED at entry #%d (%s)", f.EntryID, f.Kind)
	if n := len(r.Failures); n > 1 {
		s += fmt.Sprintf(" and %d more", n-1)
	}
	return s
}

// Verifier replays the chain, recomputing hashes and confirming linkage.
// It never writes.
type Verifier struct {
	store Store
}

// NewVerifier creates a Verifier reading from store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// Verify checks the entries in scope in ascending insertion order.
//
// For the whole ledger the expected previous hash starts at GenesisHash and
// follows each entry's stored hash. For a subject view each entry's link is
// checked against its predecessor in the global chain, since the chain is
// ledger-wide rather than per subject.
func (v *Verifier) Verify(ctx context.Context, scope Scope, mode Mode) (*Report, error) {
	entries, err := v.store.List(ctx, Filter{SubjectType: scope.SubjectType, SubjectID: scope.SubjectID})
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}

	report := &Report{Valid: true, Scope: scope.String(), Failures: []Failure{}}
	expectedPrev := GenesisHash

	for i, e := range entries {
		if !scope.All() && (i == 0 || entries[i-1].ID != e.ID-1) {
			expectedPrev, err = v.predecessorHash(ctx, e.ID)
			if err != nil {
				return nil, err
			}
		}
		report.Checked++

		if e.PreviousHash != expectedPrev {
			report.add(Failure{EntryID: e.ID, Kind: BrokenLink, Expected: expectedPrev, Actual: e.PreviousHash})
			if mode == StopAtFirst {
				return report, nil
			}
		}

		recomputed, err := e.ComputeHash()
		if err != nil {
			recomputed = fmt.Sprintf("<unhashable: %v>", err)
		}
		if recomputed != e.EntryHash {
			report.add(Failure{EntryID: e.ID, Kind: DataTampered, Expected: recomputed, Actual: e.EntryHash})
			if mode == StopAtFirst {
				return report, nil
			}
		}

		expectedPrev = e.EntryHash
		report.TipHash = e.EntryHash
	}
	return report, nil
}

func (v *Verifier) predecessorHash(ctx context.Context, id int64) (string, error) {
	prev, err := v.store.Before(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load predecessor of %d: %w", id, err)
	}
	if prev == nil {
		return GenesisHash, nil
	}
	return prev.EntryHash, nil
}

func (r *Report) add(f Failure) {
	r.Valid = false
	r.Failures = append(r.Failures, f)
}
