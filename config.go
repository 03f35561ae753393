package backlog

import "time"

// Config holds process-wide settings for the engine. Per-queue settings
// (concurrency ceiling, retry defaults, lease duration) live in
// queue.Config; calendar rules live in cron definitions.
type Config struct {
	// DefaultConcurrency is the number of workers started for a queue
	// that does not declare its own MaxConcurrency.
	DefaultConcurrency int

	// PollInterval is how long an idle worker sleeps between claim
	// attempts.
	PollInterval time.Duration

	// SweepInterval is how often the lease sweeper looks for active
	// jobs whose lease has expired.
	SweepInterval time.Duration

	// TickInterval is how often the scheduler checks for due calendar
	// rules.
	TickInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight jobs
	// during graceful shutdown before their contexts are cancelled.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency: 4,
		PollInterval:       500 * time.Millisecond,
		SweepInterval:      5 * time.Second,
		TickInterval:       1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
	}
}
