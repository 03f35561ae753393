package postgres

import (
	"context"
	"fmt"
)

// migration is one named schema step. Applied steps are tracked in
// backlog_migrations so Migrate is safe to run on every startup.
type migration struct {
	name string
	sql  string
}

var migrations = []migration{
	{
		name: "001_create_jobs",
		sql: `
			CREATE TABLE IF NOT EXISTS backlog_jobs (
				id               TEXT PRIMARY KEY,
				queue            TEXT NOT NULL,
				type             TEXT NOT NULL,
				payload          BYTEA,
				state            TEXT NOT NULL DEFAULT 'waiting',
				priority         INTEGER NOT NULL DEFAULT 0,
				attempts         INTEGER NOT NULL DEFAULT 0,
				max_attempts     INTEGER NOT NULL DEFAULT 3,
				backoff_kind     TEXT NOT NULL DEFAULT 'exponential',
				backoff_base     BIGINT NOT NULL DEFAULT 0,
				backoff_max      BIGINT NOT NULL DEFAULT 0,
				timeout          BIGINT NOT NULL DEFAULT 0,
				last_error       TEXT NOT NULL DEFAULT '',
				result           BYTEA,
				worker_id        TEXT,
				run_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				started_at       TIMESTAMPTZ,
				finished_at      TIMESTAMPTZ,
				lease_expires_at TIMESTAMPTZ
			);

			CREATE INDEX IF NOT EXISTS idx_backlog_jobs_claim
				ON backlog_jobs (queue, priority ASC, created_at ASC)
				WHERE state IN ('waiting', 'delayed');

			CREATE INDEX IF NOT EXISTS idx_backlog_jobs_lease
				ON backlog_jobs (lease_expires_at)
				WHERE state = 'active';

			CREATE INDEX IF NOT EXISTS idx_backlog_jobs_finished
				ON backlog_jobs (finished_at)
				WHERE state IN ('completed', 'failed')`,
	},
	{
		name: "002_create_rules",
		sql: `
			CREATE TABLE IF NOT EXISTS backlog_rules (
				id            TEXT PRIMARY KEY,
				name          TEXT NOT NULL UNIQUE,
				schedule      TEXT NOT NULL,
				queue         TEXT NOT NULL,
				type          TEXT NOT NULL,
				payload       BYTEA,
				enabled       BOOLEAN NOT NULL DEFAULT TRUE,
				last_fired_at TIMESTAMPTZ,
				next_run_at   TIMESTAMPTZ,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
	},
	{
		name: "003_create_audit",
		sql: `
			CREATE TABLE IF NOT EXISTS backlog_audit (
				id          TEXT PRIMARY KEY,
				actor       TEXT NOT NULL,
				action      TEXT NOT NULL,
				resource    TEXT NOT NULL,
				resource_id TEXT NOT NULL DEFAULT '',
				detail      TEXT NOT NULL DEFAULT '',
				created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_backlog_audit_action
				ON backlog_audit (action, created_at DESC)`,
	},
}

// Migrate applies all pending schema steps in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS backlog_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("backlog/postgres: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM backlog_migrations WHERE name = $1)`, m.name).Scan(&applied)
		if err != nil {
			return fmt.Errorf("backlog/postgres: check migration %s: %w", m.name, err)
		}
		if applied {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("backlog/postgres: apply migration %s: %w", m.name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO backlog_migrations (name) VALUES ($1)`, m.name); err != nil {
			return fmt.Errorf("backlog/postgres: record migration %s: %w", m.name, err)
		}
	}
	return nil
}
