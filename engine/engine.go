// Package engine wires all Backlog subsystems together. It creates the
// hook registry, job registry, middleware chain, worker pool, and
// scheduler, and provides the Register/Enqueue producer surface plus
// the administrative operations behind the monitoring API.
//
// This package sits above all subsystem packages and below the
// application layer; it exists so the subsystem packages never import
// each other's wiring.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/hook"
	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
	mw "github.com/ledgerline/backlog/middleware"
	"github.com/ledgerline/backlog/queue"
	"github.com/ledgerline/backlog/store"
	"github.com/ledgerline/backlog/worker"
)

// Engine is the assembled job-processing system: store, registries,
// worker pool, scheduler, and audit trail behind one façade.
// Use Build to create one.
type Engine struct {
	cfg      backlog.Config
	st       store.Store
	hooks    *hook.Registry
	registry *job.Registry
	trail    *audit.Trail
	pool     *worker.Pool
	queues   *queue.Manager
	sched    *cron.Scheduler
	mws      []mw.Middleware
	logger   *slog.Logger

	queueConfigs []queue.Config

	// Optional OTel meter provider; nil means use the global one.
	meterProvider metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Required.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.st = s }
}

// WithConfig overrides the process-wide defaults.
func WithConfig(cfg backlog.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the engine's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(eng *Engine) { eng.hooks.Register(h) }
}

// WithMiddleware appends middleware to the execution chain, after the
// default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithQueue declares queues with their defaults and limits. The queue
// set is closed: submissions to undeclared queues are rejected.
func WithQueue(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses it instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build assembles an Engine. At least one queue must be declared via
// WithQueue and a store provided via WithStore.
func Build(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:      backlog.DefaultConfig(),
		registry: job.NewRegistry(),
		logger:   slog.Default(),
	}
	eng.hooks = hook.NewRegistry(eng.logger)

	for _, opt := range opts {
		opt(eng)
	}

	if eng.st == nil {
		return nil, backlog.ErrNoStore
	}
	if len(eng.queueConfigs) == 0 {
		return nil, fmt.Errorf("engine: at least one queue must be declared")
	}

	eng.queues = queue.NewManager(eng.queueConfigs...)

	// Lifecycle events feed the audit trail.
	eng.trail = audit.NewTrail(eng.st, eng.logger)
	eng.hooks.Register(eng.trail)

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/ledgerline/backlog"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(eng.logger),
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, eng.hooks, eng.st, eng.logger, allMws...)

	// Each queue gets workers matching its declared ceiling; a zero
	// ceiling falls back to the engine-wide default.
	workers := make(map[string]int, len(eng.queues.Names()))
	for _, name := range eng.queues.Names() {
		qc, _ := eng.queues.Lookup(name)
		workers[name] = qc.MaxConcurrency
	}

	eng.pool = worker.NewPool(eng.st, executor, eng.logger,
		worker.WithPoolConcurrency(eng.cfg.DefaultConcurrency),
		worker.WithPoolQueues(workers),
		worker.WithPollInterval(eng.cfg.PollInterval),
		worker.WithSweepInterval(eng.cfg.SweepInterval),
		worker.WithQueueLimiter(eng.queues),
	)

	enqueueFunc := func(ctx context.Context, q, jobType string, payload []byte) (id.JobID, error) {
		j, err := eng.EnqueueRaw(ctx, q, jobType, payload)
		if err != nil {
			return id.Nil, err
		}
		return j.ID, nil
	}
	eng.sched = cron.NewScheduler(eng.st, enqueueFunc, eng.hooks, eng.logger,
		cron.WithTickInterval(eng.cfg.TickInterval),
	)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue serializes a typed payload and submits a job. The queue must
// be declared and a handler registered for (queue, jobType); both are
// validated synchronously so producers learn about misconfiguration at
// the call site, not in a worker log.
func Enqueue[T any](ctx context.Context, eng *Engine, queueName, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backlog.ErrInvalidPayload, err)
	}
	return eng.EnqueueRaw(ctx, queueName, jobType, data, opts...)
}

// EnqueueRaw submits a job with a pre-serialized payload. Omitted
// options fall back to the queue's declared defaults.
func (eng *Engine) EnqueueRaw(ctx context.Context, queueName, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	qc, ok := eng.queues.Lookup(queueName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", backlog.ErrUnknownQueue, queueName)
	}
	if !eng.registry.Has(queueName, jobType) {
		return nil, fmt.Errorf("%w: %q in queue %q", backlog.ErrUnknownType, jobType, queueName)
	}

	var jobOpts job.Options
	for _, opt := range opts {
		opt(&jobOpts)
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:          id.NewJobID(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     payload,
		Priority:    qc.DefaultPriority,
		MaxAttempts: qc.DefaultMaxAttempts,
		Backoff:     qc.DefaultBackoff,
		Timeout:     qc.Lease,
		RunAt:       now,
		CreatedAt:   now,
	}
	if jobOpts.Priority != nil {
		j.Priority = *jobOpts.Priority
	}
	if jobOpts.MaxAttempts > 0 {
		j.MaxAttempts = jobOpts.MaxAttempts
	}
	if jobOpts.Backoff != nil {
		j.Backoff = *jobOpts.Backoff
	}
	if jobOpts.Timeout > 0 {
		j.Timeout = jobOpts.Timeout
	}
	switch {
	case !jobOpts.RunAt.IsZero():
		j.RunAt = jobOpts.RunAt.UTC()
	case jobOpts.Delay > 0:
		j.RunAt = now.Add(jobOpts.Delay)
	}
	if j.RunAt.After(now) {
		j.State = job.StateDelayed
	} else {
		j.State = job.StateWaiting
	}

	if err := eng.st.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, j)
	return j, nil
}

// ──────────────────────────────────────────────────
// Rules
// ──────────────────────────────────────────────────

// RegisterRule registers a typed calendar rule. It validates the
// schedule expression, computes the initial NextRunAt, and persists the
// rule. Re-registering an existing name updates its definition while
// preserving the firing bookkeeping, so a redeploy with a changed
// schedule takes effect without re-firing past occurrences.
func RegisterRule[T any](ctx context.Context, eng *Engine, def *cron.Definition[T]) error {
	sched, err := cron.ParseSchedule(def.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", def.Schedule, err)
	}
	if _, ok := eng.queues.Lookup(def.Queue); !ok {
		return fmt.Errorf("%w: %q", backlog.ErrUnknownQueue, def.Queue)
	}

	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", backlog.ErrInvalidPayload, err)
	}

	now := time.Now().UTC()
	next := sched.Next(now)

	r := &cron.Rule{
		ID:        id.NewRuleID(),
		Name:      def.Name,
		Schedule:  def.Schedule,
		Queue:     def.Queue,
		Type:      def.Type,
		Payload:   payload,
		NextRunAt: &next,
		Enabled:   true,
		CreatedAt: now,
	}

	if err := eng.st.RegisterRule(ctx, r); err != nil {
		if errors.Is(err, backlog.ErrDuplicateRule) {
			return eng.updateRuleDefinition(ctx, r, next)
		}
		return fmt.Errorf("register rule %q: %w", def.Name, err)
	}

	eng.logger.Info("rule registered",
		slog.String("name", def.Name),
		slog.String("schedule", def.Schedule),
		slog.String("job_type", def.Type),
		slog.Time("next_run_at", next),
	)
	return nil
}

// updateRuleDefinition applies a re-registered definition to the stored
// rule. Identity, Enabled, and LastFiredAt are kept; NextRunAt is
// recomputed only when the schedule text changed.
func (eng *Engine) updateRuleDefinition(ctx context.Context, r *cron.Rule, next time.Time) error {
	existing, err := eng.st.GetRuleByName(ctx, r.Name)
	if err != nil {
		return fmt.Errorf("register rule %q: %w", r.Name, err)
	}

	if existing.Schedule != r.Schedule {
		existing.NextRunAt = &next
	}
	existing.Schedule = r.Schedule
	existing.Queue = r.Queue
	existing.Type = r.Type
	existing.Payload = r.Payload

	if err := eng.st.UpdateRule(ctx, existing); err != nil {
		return fmt.Errorf("register rule %q: %w", r.Name, err)
	}

	eng.logger.Info("rule updated",
		slog.String("name", existing.Name),
		slog.String("schedule", existing.Schedule),
		slog.String("job_type", existing.Type),
	)
	return nil
}

// ListRules returns all registered calendar rules.
func (eng *Engine) ListRules(ctx context.Context) ([]*cron.Rule, error) {
	return eng.st.ListRules(ctx)
}

// SetRuleEnabled enables or disables a rule by name.
func (eng *Engine) SetRuleEnabled(ctx context.Context, name string, enabled bool) error {
	r, err := eng.st.GetRuleByName(ctx, name)
	if err != nil {
		return err
	}
	r.Enabled = enabled
	return eng.st.UpdateRule(ctx, r)
}

// ──────────────────────────────────────────────────
// Monitoring and administration
// ──────────────────────────────────────────────────

// GetJob retrieves a job by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.st.GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the given options.
func (eng *Engine) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return eng.st.ListJobs(ctx, opts)
}

// QueueStats summarizes one queue's jobs by state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// Stats returns per-queue job counts for every declared queue.
func (eng *Engine) Stats(ctx context.Context) ([]QueueStats, error) {
	names := eng.queues.Names()
	stats := make([]QueueStats, 0, len(names))
	for _, name := range names {
		qs := QueueStats{Queue: name}
		counts := []struct {
			state job.State
			dst   *int64
		}{
			{job.StateWaiting, &qs.Waiting},
			{job.StateDelayed, &qs.Delayed},
			{job.StateActive, &qs.Active},
			{job.StateCompleted, &qs.Completed},
			{job.StateFailed, &qs.Failed},
		}
		for _, c := range counts {
			n, err := eng.st.CountJobs(ctx, job.CountOpts{Queue: name, State: c.state})
			if err != nil {
				return nil, fmt.Errorf("count %s jobs in %q: %w", c.state, name, err)
			}
			*c.dst = n
		}
		stats = append(stats, qs)
	}
	return stats, nil
}

// RequeueJob administratively returns a failed job to waiting and
// records the action in the audit trail.
func (eng *Engine) RequeueJob(ctx context.Context, actor string, jobID id.JobID) error {
	if err := eng.st.RequeueJob(ctx, jobID); err != nil {
		return err
	}
	eng.trail.Record(ctx, actor, audit.ActionJobRequeued, "job", jobID.String(), "")
	return nil
}

// DeleteJob removes a job and records the action in the audit trail.
func (eng *Engine) DeleteJob(ctx context.Context, actor string, jobID id.JobID) error {
	if err := eng.st.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	eng.trail.Record(ctx, actor, audit.ActionJobDeleted, "job", jobID.String(), "")
	return nil
}

// PurgeQueue removes terminal jobs finished before olderThan and
// records the action in the audit trail.
func (eng *Engine) PurgeQueue(ctx context.Context, actor, queueName string, olderThan time.Time) (int64, error) {
	if queueName != "" {
		if _, ok := eng.queues.Lookup(queueName); !ok {
			return 0, fmt.Errorf("%w: %q", backlog.ErrUnknownQueue, queueName)
		}
	}
	n, err := eng.st.PurgeJobs(ctx, queueName, olderThan)
	if err != nil {
		return 0, err
	}
	eng.trail.Record(ctx, actor, audit.ActionQueuePurged, "queue", queueName,
		fmt.Sprintf("purged %d jobs finished before %s", n, olderThan.Format(time.RFC3339)))
	return n, nil
}

// SetQueueConcurrency administratively adjusts a declared queue's
// concurrency ceiling and records the action in the audit trail.
func (eng *Engine) SetQueueConcurrency(ctx context.Context, actor, queueName string, n int) error {
	if !eng.queues.SetConcurrency(queueName, n) {
		return fmt.Errorf("%w: %q", backlog.ErrUnknownQueue, queueName)
	}
	eng.trail.Record(ctx, actor, audit.ActionQueueConcurrency, "queue", queueName,
		fmt.Sprintf("max concurrency set to %d", n))
	return nil
}

// ListAudit returns audit trail entries, newest first.
func (eng *Engine) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Entry, error) {
	return eng.st.ListAudit(ctx, opts)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins job processing: the scheduler first so due rules fire
// promptly, then the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the engine: no new claims, in-flight jobs
// drain within the shutdown timeout, then Shutdown hooks fire.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.sched.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	stopCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && eng.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := eng.pool.Stop(stopCtx); err != nil {
		return err
	}

	eng.hooks.EmitShutdown(ctx)
	return nil
}

// Hooks returns the hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Store returns the persistence backend.
func (eng *Engine) Store() store.Store { return eng.st }

// Queues returns the queue manager.
func (eng *Engine) Queues() *queue.Manager { return eng.queues }

// Scheduler returns the calendar rule scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.sched }
