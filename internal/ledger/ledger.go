// Package ledger implements the tamper-evident activity ledger for document
// and trade lifecycle events.
//
// Every entry commits to its predecessor: entry_hash is the SHA-256 of the
// canonical encoding of (subject_id, action, actor_id, metadata,
// previous_hash), and the first entry carries previous_hash "GENESIS". The
// chain is global: one ledger-wide sequence, with subject-filtered views.
//
// Two Store implementations are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use.
//
// Service is the only write path; Verifier replays the chain read-only.
package ledger
