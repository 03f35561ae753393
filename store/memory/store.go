// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store   = (*Store)(nil)
	_ cron.Store  = (*Store)(nil)
	_ audit.Store = (*Store)(nil)
)

// defaultLease bounds one execution attempt when the job carries no
// timeout of its own.
const defaultLease = 5 * time.Minute

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs    map[string]*job.Job
	rules   map[string]*cron.Rule
	entries []*audit.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:  make(map[string]*job.Job),
		rules: make(map[string]*cron.Rule),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job. The state is derived from RunAt when
// unset: waiting for immediate jobs, delayed for future ones.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return backlog.ErrJobAlreadyExists
	}

	cp := *j
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.RunAt.IsZero() {
		cp.RunAt = cp.CreatedAt
	}
	if cp.State == "" {
		if cp.RunAt.After(now) {
			cp.State = job.StateDelayed
		} else {
			cp.State = job.StateWaiting
		}
	}
	m.jobs[key] = &cp
	return nil
}

// ClaimNext atomically claims the eligible job with the lowest priority
// value in the queue, ties broken by earliest CreatedAt. Returns
// (nil, nil) when no job is eligible.
func (m *Store) ClaimNext(_ context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || !j.Eligible(now) {
			continue
		}
		if best == nil || claimBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	lease := best.Timeout
	if lease <= 0 {
		lease = defaultLease
	}
	expires := now.Add(lease)

	best.State = job.StateActive
	best.WorkerID = workerID
	started := now
	best.StartedAt = &started
	best.LeaseExpiresAt = &expires

	cp := *best
	return &cp, nil
}

// claimBefore reports whether a should be claimed ahead of b.
func claimBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// CompleteJob transitions active → completed.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return backlog.ErrJobNotFound
	}
	if j.State != job.StateActive {
		return backlog.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.FinishedAt = &now
	j.LeaseExpiresAt = nil
	return nil
}

// FailJob applies failure accounting: increments Attempts and either
// schedules a delayed retry using the job's backoff descriptor or parks
// the job as failed when attempts are exhausted.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, reason string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, backlog.ErrJobNotFound
	}
	if j.State != job.StateActive {
		return nil, backlog.ErrInvalidState
	}

	failJobLocked(j, reason, time.Now().UTC())
	cp := *j
	return &cp, nil
}

// failJobLocked mutates j in place under the store lock. Shared by
// FailJob and ExpireLeases so both paths account identically.
func failJobLocked(j *job.Job, reason string, now time.Time) {
	j.Attempts++
	j.LastError = reason
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.LeaseExpiresAt = nil

	if j.Attempts < j.MaxAttempts {
		j.State = job.StateDelayed
		j.RunAt = now.Add(backoff.Next(j.Backoff, j.Attempts))
		return
	}
	j.State = job.StateFailed
	j.FinishedAt = &now
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, backlog.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// ListJobs returns jobs matching the given options, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		cp := *j
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// DeleteJob removes a job by ID. Active jobs cannot be deleted.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		return backlog.ErrJobNotFound
	}
	if j.State == job.StateActive {
		return backlog.ErrJobActive
	}
	delete(m.jobs, key)
	return nil
}

// RequeueJob returns a failed job to waiting with a fresh attempt
// budget.
func (m *Store) RequeueJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return backlog.ErrJobNotFound
	}
	if j.State != job.StateFailed {
		return backlog.ErrInvalidState
	}

	j.State = job.StateWaiting
	j.Attempts = 0
	j.RunAt = time.Now().UTC()
	j.FinishedAt = nil
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.LeaseExpiresAt = nil
	return nil
}

// ExpireLeases applies failure accounting to every active job whose
// lease deadline has passed.
func (m *Store) ExpireLeases(_ context.Context, now time.Time) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*job.Job
	for _, j := range m.jobs {
		if j.State != job.StateActive || j.LeaseExpiresAt == nil {
			continue
		}
		if j.LeaseExpiresAt.After(now) {
			continue
		}
		failJobLocked(j, backlog.ErrLeaseExpired.Error(), now)
		cp := *j
		expired = append(expired, &cp)
	}
	return expired, nil
}

// PurgeJobs removes terminal jobs whose FinishedAt predates olderThan.
func (m *Store) PurgeJobs(_ context.Context, queue string, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for key, j := range m.jobs {
		if !j.State.Terminal() {
			continue
		}
		if queue != "" && j.Queue != queue {
			continue
		}
		if j.FinishedAt == nil || !j.FinishedAt.Before(olderThan) {
			continue
		}
		delete(m.jobs, key)
		purged++
	}
	return purged, nil
}

// ──────────────────────────────────────────────────
// Cron Store
// ──────────────────────────────────────────────────

// RegisterRule persists a new rule. Rule names are unique.
func (m *Store) RegisterRule(_ context.Context, r *cron.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.rules {
		if existing.Name == r.Name {
			return backlog.ErrDuplicateRule
		}
	}

	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.rules[cp.ID.String()] = &cp
	return nil
}

// GetRule retrieves a rule by ID.
func (m *Store) GetRule(_ context.Context, ruleID id.RuleID) (*cron.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[ruleID.String()]
	if !ok {
		return nil, backlog.ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

// GetRuleByName retrieves a rule by its unique name.
func (m *Store) GetRuleByName(_ context.Context, name string) (*cron.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, backlog.ErrRuleNotFound
}

// ListRules returns all rules ordered by name.
func (m *Store) ListRules(_ context.Context) ([]*cron.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cron.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].Name < result[k].Name
	})
	return result, nil
}

// UpdateRule persists changes to a rule.
func (m *Store) UpdateRule(_ context.Context, r *cron.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, ok := m.rules[key]; !ok {
		return backlog.ErrRuleNotFound
	}
	cp := *r
	m.rules[key] = &cp
	return nil
}

// DeleteRule removes a rule by ID.
func (m *Store) DeleteRule(_ context.Context, ruleID id.RuleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ruleID.String()
	if _, ok := m.rules[key]; !ok {
		return backlog.ErrRuleNotFound
	}
	delete(m.rules, key)
	return nil
}

// UpdateRuleFired records a firing in one write.
func (m *Store) UpdateRuleFired(_ context.Context, ruleID id.RuleID, firedAt, nextRunAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rules[ruleID.String()]
	if !ok {
		return backlog.ErrRuleNotFound
	}
	fired := firedAt
	next := nextRunAt
	r.LastFiredAt = &fired
	r.NextRunAt = &next
	return nil
}

// ──────────────────────────────────────────────────
// Audit Store
// ──────────────────────────────────────────────────

// AppendAudit adds an entry to the trail.
func (m *Store) AppendAudit(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	if cp.ID.IsNil() {
		cp.ID = id.NewAuditID()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, &cp)
	return nil
}

// ListAudit returns entries matching the given options, newest first.
func (m *Store) ListAudit(_ context.Context, opts audit.ListOpts) ([]*audit.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*audit.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if opts.Action != "" && e.Action != opts.Action {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}
