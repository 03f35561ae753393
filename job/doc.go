// Package job defines the job entity, state machine, typed definitions,
// handler registry, and store interface.
//
// # Job Entity
//
// A [Job] represents a unit of deferred work. It carries an opaque JSON
// payload, retry bookkeeping, and progresses through a state machine:
//
//	waiting → active → completed
//	waiting → active → delayed → active → ...
//	waiting → active → failed
//	delayed → active (claim-time promotion once RunAt is reached)
//
// Fields of note:
//   - Queue: which queue the job belongs to
//   - Type: the handler identifier within the queue
//   - Priority: lower values are dequeued first
//   - Attempts / MaxAttempts: the retry budget
//   - Backoff: the persisted retry delay descriptor
//   - RunAt: earliest time the job may be claimed
//   - Timeout: the lease duration for one execution attempt
//
// completed and failed are terminal: no automatic transition leaves
// them. A failed job can be returned to waiting administratively via
// the store's RequeueJob.
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs:
//
//	var StockCheck = job.NewDefinition("inventory", "stock-check",
//	    func(ctx context.Context, input StockCheckInput) (any, error) {
//	        return inventory.Check(ctx, input.ProductID)
//	    },
//	)
//
// # Registry
//
// [Registry] maps (queue, type) pairs to type-erased [HandlerFunc]
// values. Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, StockCheck)
//	job.RegisterDefinition(registry, LowStockAlert)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package job
