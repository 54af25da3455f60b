package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Insert calls. The value is arbitrary but must be consistent
// across all ledger instances.
const advisoryLockKey = int64(1_159_876_543)

const uniqueViolation = "23505"

const entryColumns = `id, subject_type, subject_id, action, actor_id, metadata, previous_hash, entry_hash, created_at`

// PostgresStore persists the ledger in PostgreSQL. It implements Store.
//
// Metadata is stored as its canonical text rather than JSONB, which would
// rewrite number literals and reject \u0000; the counterparties column only
// serves party lookups.
//
// Appends are serialised by a transaction-scoped advisory lock; the unique
// indexes on entry_hash and previous_hash are the backstop that turns any
// concurrent writer that slips past the lock into ErrChainConflict.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Tail implements Store.
func (s *PostgresStore) Tail(ctx context.Context) (Tail, error) {
	var t Tail
	err := s.pool.QueryRow(ctx,
		"SELECT id, entry_hash, created_at FROM ledger_entries ORDER BY id DESC LIMIT 1",
	).Scan(&t.ID, &t.Hash, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Tail{Hash: GenesisHash}, nil
	}
	if err != nil {
		return Tail{}, fmt.Errorf("read ledger tail: %w", err)
	}
	return t, nil
}

// Insert implements Store. The row is only written if e.PreviousHash is still
// the tail hash when the insert executes.
func (s *PostgresStore) Insert(ctx context.Context, e *Entry) error {
	meta, err := e.Metadata.Canonical()
	if err != nil {
		return err
	}
	parties := e.Metadata.Int64s(MetaCounterparties)
	if parties == nil {
		parties = []int64{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO ledger_entries
		     (subject_type, subject_id, action, actor_id, metadata, counterparties, previous_hash, entry_hash, created_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		 WHERE COALESCE(
		     (SELECT entry_hash FROM ledger_entries ORDER BY id DESC LIMIT 1), $10
		 ) = $7
		 RETURNING id`,
		string(e.SubjectType), e.SubjectID, string(e.Action), e.ActorID, meta, parties,
		e.PreviousHash, e.EntryHash, e.CreatedAt, GenesisHash,
	).Scan(&e.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrChainConflict
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrChainConflict
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger entry inserted",
		zap.Int64("id", e.ID),
		zap.String("action", string(e.Action)),
	)
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %d: %w", id, err)
	}
	return e, nil
}

// Before implements Store.
func (s *PostgresStore) Before(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE id < $1 ORDER BY id DESC LIMIT 1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get predecessor of %d: %w", id, err)
	}
	return e, nil
}

// List implements Store. Rows are read inside a repeatable-read, read-only
// transaction so a scan sees one consistent prefix of the chain.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE ($1::text IS NULL OR subject_type = $1)
		   AND ($2::text IS NULL OR subject_id = $2)
		   AND ($3::text IS NULL OR action = $3)
		   AND ($4::bigint IS NULL OR actor_id = $4 OR $4 = ANY(counterparties))
		   AND id > $5
		 ORDER BY id ASC
		 LIMIT NULLIF($6, 0)`,
		nullable(string(f.SubjectType)), f.SubjectID, nullable(string(f.Action)), f.Party, f.AfterID, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM ledger_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e           Entry
		subjectType string
		action      string
		meta        string
	)
	if err := row.Scan(
		&e.ID, &subjectType, &e.SubjectID, &action, &e.ActorID,
		&meta, &e.PreviousHash, &e.EntryHash, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	md, err := DecodeMetadata([]byte(meta))
	if err != nil {
		return nil, err
	}
	e.SubjectType = SubjectType(subjectType)
	e.Action = Action(action)
	e.Metadata = md
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
