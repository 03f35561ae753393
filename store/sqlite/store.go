// Package sqlite provides a SQLite store backend on database/sql with
// the modernc.org/sqlite driver. It is the default backend for
// single-machine deployments: one file, no server process.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/job"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store   = (*Store)(nil)
	_ cron.Store  = (*Store)(nil)
	_ audit.Store = (*Store)(nil)
)

// defaultLease bounds one execution attempt when the job carries no
// timeout of its own.
const defaultLease = 5 * time.Minute

// Store is a SQLite implementation of store.Store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and returns a
// Store. WAL mode and a busy timeout are set so worker goroutines can
// read while a claim transaction writes.
func New(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("backlog/sqlite: open %q: %w", path, err)
	}

	// SQLite serializes writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent claims.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("backlog/sqlite: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS backlog_jobs (
	id               TEXT PRIMARY KEY,
	queue            TEXT NOT NULL,
	type             TEXT NOT NULL,
	payload          BLOB,
	state            TEXT NOT NULL,
	priority         INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	backoff_kind     TEXT NOT NULL,
	backoff_base     INTEGER NOT NULL,
	backoff_max      INTEGER NOT NULL,
	timeout          INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	result           BLOB,
	worker_id        TEXT,
	run_at           INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	started_at       INTEGER,
	finished_at      INTEGER,
	lease_expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_backlog_jobs_claim
	ON backlog_jobs (queue, state, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_backlog_jobs_lease
	ON backlog_jobs (state, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_backlog_jobs_finished
	ON backlog_jobs (state, finished_at);

CREATE TABLE IF NOT EXISTS backlog_rules (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	schedule      TEXT NOT NULL,
	queue         TEXT NOT NULL,
	type          TEXT NOT NULL,
	payload       BLOB,
	enabled       INTEGER NOT NULL DEFAULT 1,
	last_fired_at INTEGER,
	next_run_at   INTEGER,
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS backlog_audit (
	id          TEXT PRIMARY KEY,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	resource    TEXT NOT NULL,
	resource_id TEXT NOT NULL DEFAULT '',
	detail      TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backlog_audit_action
	ON backlog_audit (action, created_at);
`

// Migrate creates the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("backlog/sqlite: migration failed: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows reports whether err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Times are stored as integer Unix nanoseconds so lease arithmetic
// can happen in SQL. Zero is "not set" for optional columns.

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNanoPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanoPtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
