// Package queue defines queue configuration and the runtime manager
// that enforces per-queue concurrency ceilings and rate limits.
//
// Queues form a closed set declared at process start; a queue's
// identity never changes at runtime, though its concurrency ceiling
// may be adjusted administratively through [Manager.SetConcurrency].
// Each queue carries the defaults (priority, attempt ceiling, backoff,
// lease duration) applied to jobs submitted without explicit options.
package queue
