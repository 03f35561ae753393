// Package backoff provides retry delay strategies for job execution.
// All strategies are pure and stateless: given the same attempt number
// they return the same delay, so every store backend computes identical
// retry schedules. Safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Kind names a delay strategy in a job's persisted backoff descriptor.
type Kind string

const (
	// KindFixed waits the same base delay before every retry.
	KindFixed Kind = "fixed"
	// KindExponential doubles the base delay on each attempt.
	KindExponential Kind = "exponential"
)

// Spec is the backoff descriptor persisted with each job. It is small
// enough to serialize into the job record so that any worker — or any
// store backend — can compute the next retry without shared state.
type Spec struct {
	Kind Kind          `json:"kind"`
	Base time.Duration `json:"base"`
	// Max caps the computed delay. Zero means uncapped.
	Max time.Duration `json:"max,omitempty"`
}

// DefaultSpec is the backoff applied to jobs that do not declare one:
// exponential starting at 1s, capped at 1m.
func DefaultSpec() Spec {
	return Spec{Kind: KindExponential, Base: 1 * time.Second, Max: 1 * time.Minute}
}

// Validate checks the descriptor for use at enqueue time.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindFixed, KindExponential:
	default:
		return fmt.Errorf("backoff: unknown kind %q", s.Kind)
	}
	if s.Base <= 0 {
		return fmt.Errorf("backoff: base delay must be positive, got %v", s.Base)
	}
	return nil
}

// Next returns the delay before retry attempt n (1-indexed) under the
// given descriptor. Attempt 1 is the first retry after the initial
// failure. Unknown kinds fall back to the fixed base delay.
func Next(spec Spec, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch spec.Kind {
	case KindExponential:
		d = time.Duration(float64(spec.Base) * math.Pow(2, float64(attempt-1)))
	default:
		d = spec.Base
	}

	if spec.Max > 0 && d > spec.Max {
		return spec.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Strategy types
// ──────────────────────────────────────────────────

// Strategy computes the delay before a retry attempt. It is the
// programmatic counterpart of Spec for callers that configure queue
// defaults in code.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	Delay(attempt int) time.Duration

	// Spec returns the persistable descriptor for this strategy.
	Spec() Spec
}

// Fixed always returns the same delay regardless of attempt number.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// Spec returns the persistable descriptor.
func (f *Fixed) Spec() Spec {
	return Spec{Kind: KindFixed, Base: f.Interval}
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return Next(e.Spec(), attempt)
}

// Spec returns the persistable descriptor.
func (e *Exponential) Spec() Spec {
	return Spec{Kind: KindExponential, Base: e.Initial, Max: e.Max}
}

// Jitter spreads a strategy's delay over [d/2, d) to prevent thundering
// herd when many retries land on the same instant. The persisted Spec is
// the wrapped strategy's; jitter is applied only at scheduling sites
// that use the Strategy directly.
type Jitter struct {
	Inner Strategy
}

// NewJitter wraps a strategy with half-open jitter.
func NewJitter(inner Strategy) *Jitter {
	return &Jitter{Inner: inner}
}

// Delay returns a random duration in [inner/2, inner).
func (j *Jitter) Delay(attempt int) time.Duration {
	d := j.Inner.Delay(attempt)
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Float64()*float64(half)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// Spec returns the wrapped strategy's descriptor.
func (j *Jitter) Spec() Spec {
	return j.Inner.Spec()
}
