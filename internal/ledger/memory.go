package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	hashes  map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{hashes: make(map[string]struct{})}
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context) (Tail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return Tail{Hash: GenesisHash}, nil
	}
	last := s.entries[len(s.entries)-1]
	return Tail{ID: last.ID, Hash: last.EntryHash, CreatedAt: last.CreatedAt}, nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := GenesisHash
	if n := len(s.entries); n > 0 {
		tail = s.entries[n-1].EntryHash
	}
	if e.PreviousHash != tail {
		return ErrChainConflict
	}
	if _, dup := s.hashes[e.EntryHash]; dup {
		return fmt.Errorf("insert entry: duplicate entry_hash %s", e.EntryHash)
	}

	e.ID = int64(len(s.entries) + 1)
	s.entries = append(s.entries, e.Clone())
	s.hashes[e.EntryHash] = struct{}{}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > int64(len(s.entries)) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	return s.entries[id-1].Clone(), nil
}

// Before implements Store.
func (s *MemoryStore) Before(_ context.Context, id int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > int64(len(s.entries)) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if id == 1 {
		return nil, nil
	}
	return s.entries[id-2].Clone(), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if !f.matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}
