// Package store defines the aggregate persistence interface.
//
// Each subsystem (job, cron, audit) defines its own store interface.
// The composite [Store] composes them all. A single backend need only
// implement Store to satisfy every subsystem's persistence contract.
//
// # Available Backends
//
//   - store/memory — in-memory store for development and testing
//   - store/sqlite — SQLite backend (single-file, the default for
//     single-machine deployments)
//   - store/postgres — PostgreSQL backend using pgx/v5
//   - store/redis — Redis backend
//
// # Usage
//
//	import "github.com/ledgerline/backlog/store/sqlite"
//
//	s, err := sqlite.New(ctx, "backlog.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	eng, err := engine.Build(engine.WithStore(s))
//
// # Migrations
//
// Call Migrate once at startup to create or update the schema:
//
//	if err := s.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Claim semantics
//
// Every backend implements ClaimNext as an atomic claim: two concurrent
// workers never receive the same job. Memory and SQLite serialize
// claims with a lock or transaction; Postgres uses FOR UPDATE SKIP
// LOCKED; Redis pops from a sorted set.
package store
