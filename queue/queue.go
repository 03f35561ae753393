package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ledgerline/backlog/backoff"
)

// Config declares a queue and its defaults. Queues are declared at
// process start and do not change identity at runtime.
type Config struct {
	// Name is the queue identifier (must match the job.Queue field).
	Name string

	// MaxConcurrency limits how many jobs from this queue may run
	// simultaneously. Zero falls back to the engine-wide default.
	MaxConcurrency int

	// DefaultPriority is applied to jobs submitted without an explicit
	// priority. Lower values are claimed first.
	DefaultPriority int

	// DefaultMaxAttempts is the attempt ceiling for jobs submitted
	// without one. Zero means 3.
	DefaultMaxAttempts int

	// DefaultBackoff is the retry descriptor for jobs submitted without
	// one. A zero value means backoff.DefaultSpec().
	DefaultBackoff backoff.Spec

	// Lease is the default execution lease for one attempt. Zero means
	// 5 minutes.
	Lease time.Duration

	// RateLimit is the maximum sustained jobs per second that may be
	// claimed from this queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// withDefaults fills unset fields with package defaults.
func (c Config) withDefaults() Config {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultBackoff == (backoff.Spec{}) {
		c.DefaultBackoff = backoff.DefaultSpec()
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	return c
}

// queueState tracks runtime state for a single queue. pending holds
// the rate reservations of grants that have not settled yet, so a
// grant that claimed nothing can hand its token back.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
	pending []*rate.Reservation
}

// Manager holds the closed set of declared queues and controls
// per-queue concurrency and rate limiting. It is safe for concurrent
// use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		queues: make(map[string]*queueState, len(configs)),
	}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg.withDefaults())
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Lookup returns the configuration for a declared queue.
func (m *Manager) Lookup(name string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qs, ok := m.queues[name]
	if !ok {
		return Config{}, false
	}
	return qs.config, true
}

// Names returns the names of all declared queues.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	return names
}

// Acquire checks the concurrency ceiling and rate limit for the given
// queue. If the job is allowed to proceed it increments the active
// counter and returns true. The caller MUST settle every grant with
// Release (a job ran) or Refund (nothing was claimed). Unknown queues
// are unrestricted.
func (m *Manager) Acquire(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return true
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return false
	}
	if qs.limiter != nil {
		res := qs.limiter.Reserve()
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			return false
		}
		qs.pending = append(qs.pending, res)
	}
	qs.active++
	return true
}

// Release settles a grant whose job ran. The rate token stays spent.
func (m *Manager) Release(queue string) {
	m.settle(queue, false)
}

// Refund settles a grant that claimed nothing. The rate token is put
// back so an empty poll does not count against the queue's throughput.
func (m *Manager) Refund(queue string) {
	m.settle(queue, true)
}

func (m *Manager) settle(queue string, refund bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return
	}
	if qs.active > 0 {
		qs.active--
	}
	if n := len(qs.pending); n > 0 {
		res := qs.pending[n-1]
		qs.pending = qs.pending[:n-1]
		if refund {
			res.Cancel()
		}
	}
}

// SetConcurrency administratively adjusts a declared queue's ceiling.
// Returns false for unknown queues — the queue set itself is fixed at
// process start.
func (m *Manager) SetConcurrency(queue string, n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs, ok := m.queues[queue]
	if !ok {
		return false
	}
	qs.config.MaxConcurrency = n
	return true
}

// ActiveCount returns the current number of active jobs for a queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
