// Package store implements the Config Store: a durable, ACID
// queue→ConsumerSpec map backed by an embedded SQLite database opened in
// WAL mode. It is the only component in the forwarder allowed to treat an
// I/O error as fatal to the whole process (see Store.fatal).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/relaymq/forwarder/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS consumers (
	queue TEXT PRIMARY KEY,
	webhook TEXT NOT NULL,
	minInterval INTEGER NOT NULL,
	maxInterval INTEGER NOT NULL,
	businessHoursStart INTEGER NOT NULL,
	businessHoursEnd INTEGER NOT NULL,
	paused INTEGER NOT NULL DEFAULT 0,
	createdAt TIMESTAMP NOT NULL,
	updatedAt TIMESTAMP NOT NULL
);`

// FatalFunc is called when a Store operation encounters an I/O error it
// cannot recover from. In production it is main's process-exit hook; tests
// substitute a function that records the call instead of killing the test
// binary.
type FatalFunc func(msg string, err error)

// Store is the embedded, durable Config Store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	fatal  FatalFunc
}

// Open opens (creating if necessary) the SQLite database at path, puts it
// in WAL mode, consolidates any write-ahead log left over from a prior
// unclean shutdown, and ensures the schema exists.
//
// fatalFn is invoked — and the error is also returned — whenever a later
// Store method hits an I/O failure; callers normally pass a FatalFunc that
// terminates the process (see cmd/forwarder), since the store's failure
// policy is "no silent divergence between Registry and Store."
func Open(path string, logger *zap.Logger, fatalFn FatalFunc) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// A single connection makes every "transaction" trivially serialized
	// against every other, which is what the contract's "single-row
	// transactions are atomic" requires without an extra application lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	// Consolidate the WAL produced by a prior unclean shutdown: force every
	// committed frame back into the main database file before the first
	// LoadAll, so "a record for which a prior Upsert/Delete had returned
	// success is visible" holds even after a crash.
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return &Store{db: db, logger: logger, fatal: fatalFn}, nil
}

// Upsert inserts or replaces the row for spec.Queue, stamping CreatedAt on
// first insert and UpdatedAt on every write. Returns only after the
// transaction is committed (durable).
func (s *Store) Upsert(ctx context.Context, spec domain.ConsumerSpec) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.fail("upsert: begin", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT createdAt FROM consumers WHERE queue = ?`, spec.Queue).Scan(&createdAt)
	switch err {
	case nil:
		// keep existing createdAt
	case sql.ErrNoRows:
		createdAt = now
	default:
		return s.fail("upsert: lookup createdAt", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO consumers (queue, webhook, minInterval, maxInterval, businessHoursStart, businessHoursEnd, paused, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue) DO UPDATE SET
			webhook = excluded.webhook,
			minInterval = excluded.minInterval,
			maxInterval = excluded.maxInterval,
			businessHoursStart = excluded.businessHoursStart,
			businessHoursEnd = excluded.businessHoursEnd,
			paused = excluded.paused,
			updatedAt = excluded.updatedAt`,
		spec.Queue, spec.Webhook, spec.MinIntervalMs, spec.MaxIntervalMs,
		spec.BusinessHoursStart, spec.BusinessHoursEnd, boolToInt(spec.Paused),
		createdAt, now,
	)
	if err != nil {
		return s.fail("upsert: exec", err)
	}

	if err := tx.Commit(); err != nil {
		return s.fail("upsert: commit", err)
	}
	return nil
}

// Delete removes the row for queue, if present. Deleting a queue that does
// not exist is not an error.
func (s *Store) Delete(ctx context.Context, queue string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM consumers WHERE queue = ?`, queue); err != nil {
		return s.fail("delete", err)
	}
	return nil
}

// SetPaused updates only the paused flag (and updatedAt) for queue.
func (s *Store) SetPaused(ctx context.Context, queue string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consumers SET paused = ?, updatedAt = ? WHERE queue = ?`,
		boolToInt(paused), time.Now().UTC(), queue)
	if err != nil {
		return s.fail("set paused: exec", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.fail("set paused: rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("store: set paused: no row for queue %q", queue)
	}
	return nil
}

// LoadAll returns every persisted ConsumerSpec. Called once at startup and
// once per reconnect to replay consumers.
func (s *Store) LoadAll(ctx context.Context) ([]domain.ConsumerSpec, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue, webhook, minInterval, maxInterval, businessHoursStart, businessHoursEnd, paused, createdAt, updatedAt
		FROM consumers ORDER BY queue`)
	if err != nil {
		return nil, s.fail("load all: query", err)
	}
	defer rows.Close()

	var out []domain.ConsumerSpec
	for rows.Next() {
		var spec domain.ConsumerSpec
		var paused int
		if err := rows.Scan(&spec.Queue, &spec.Webhook, &spec.MinIntervalMs, &spec.MaxIntervalMs,
			&spec.BusinessHoursStart, &spec.BusinessHoursEnd, &paused, &spec.CreatedAt, &spec.UpdatedAt); err != nil {
			return nil, s.fail("load all: scan", err)
		}
		spec.Paused = paused != 0
		out = append(out, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("load all: rows", err)
	}
	return out, nil
}

// Close checkpoints the WAL back into the main file and closes the
// database handle. Called during graceful shutdown.
func (s *Store) Close() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("store: checkpoint on close failed", zap.Error(err))
	}
	return s.db.Close()
}

// fail logs and invokes the fatal hook, then returns err so the call site
// still gets something to propagate in the (unreachable, once fatal exits
// the process) case fatal does not itself terminate — e.g. in tests.
func (s *Store) fail(op string, err error) error {
	wrapped := fmt.Errorf("store: %s: %w", op, err)
	s.logger.Error("store I/O failure, process must restart with a consistent snapshot", zap.String("op", op), zap.Error(err))
	if s.fatal != nil {
		s.fatal("store I/O failure", wrapped)
	}
	return wrapped
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
