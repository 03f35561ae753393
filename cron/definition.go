package cron

// Definition is a typed rule definition. T is the payload type
// (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this rule.
	Name string

	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string

	// Queue is the queue the triggered jobs are enqueued to.
	Queue string

	// Type is the job type to enqueue on each firing.
	Type string

	// Payload is the static payload enqueued with each triggered job.
	Payload T
}
