// Package backlog is the asynchronous job-processing core of the
// Ledgerline small-business suite. It defers, schedules, retries, and
// executes non-interactive work (notification dispatch, inventory
// synchronization, report generation, bulk file import/export) outside
// the request/response path.
//
// Backlog is a library, not a service. The host application configures
// a store, declares its queues, registers handlers as ordinary Go
// functions, and starts an engine:
//
//	eng, err := engine.Build(
//	    engine.WithStore(memory.New()),
//	    engine.WithQueue(queue.Config{Name: "inventory", MaxConcurrency: 4}),
//	)
//	engine.Register(eng, job.NewDefinition("inventory", "stock-check", checkStock))
//	eng.Start(ctx)
//
// # Architecture
//
// All job state lives in a Store behind per-subsystem interfaces
// (job.Store, cron.Store, audit.Store) composed into store.Store. A
// single backend — memory, sqlite, postgres, or redis — implements all
// of them and is selected at process start. The store's atomic
// ClaimNext operation is the system's only mutual-exclusion boundary:
// two concurrent claimers never receive the same job.
//
// Jobs move through a five-state machine (waiting, delayed, active,
// completed, failed) driven by the worker pool and the backoff engine.
// Delivery is at-least-once: handlers must tolerate re-execution after
// a crash or lease expiry.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package backlog
