// Package store defines the aggregate persistence interface. Each
// subsystem (job, cron, audit) defines its own store interface; the
// composite Store composes them all. Backends: Memory, SQLite,
// Postgres, and Redis.
package store

import (
	"context"

	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/job"
)

// Store is the aggregate persistence interface. A single backend
// implements all subsystem contracts, so user code configures exactly
// one storage choice.
type Store interface {
	job.Store
	cron.Store
	audit.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
