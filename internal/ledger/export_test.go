package ledger

// Tamper mutates a stored entry in place, bypassing the append-only contract.
func (s *MemoryStore) Tamper(id int64, fn func(e *Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.entries[id-1])
}
