package job

import (
	"time"

	"github.com/ledgerline/backlog/backoff"
)

// Options configures per-job behavior. Fields left at their zero value
// (nil for pointers) fall back to the target queue's defaults at
// enqueue time.
type Options struct {
	// Priority determines dequeue ordering; lower values are claimed
	// first. Nil means the queue's default priority.
	Priority *int

	// MaxAttempts is the execution attempt ceiling. Zero means the
	// queue's default.
	MaxAttempts int

	// Backoff overrides the queue's default retry delay descriptor.
	Backoff *backoff.Spec

	// Timeout is the lease duration for one execution attempt. Zero
	// means the queue's default.
	Timeout time.Duration

	// Delay postpones the first execution by the given duration.
	Delay time.Duration

	// RunAt schedules the first execution at an absolute time. Takes
	// precedence over Delay when both are set.
	RunAt time.Time
}

// Option is a functional option for configuring a job submission.
type Option func(*Options)

// WithPriority sets the job priority. Lower values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = &p
	}
}

// WithMaxAttempts sets the execution attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithBackoff sets the retry delay descriptor for the job.
func WithBackoff(spec backoff.Spec) Option {
	return func(o *Options) {
		o.Backoff = &spec
	}
}

// WithTimeout sets the lease duration for one execution attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithDelay postpones the first execution by d.
func WithDelay(d time.Duration) Option {
	return func(o *Options) {
		o.Delay = d
	}
}

// WithRunAt schedules the first execution at an absolute time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}
