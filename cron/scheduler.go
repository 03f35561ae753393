package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ledgerline/backlog/id"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, queue, jobType string, payload []byte) (id.JobID, error)

// Emitter emits rule lifecycle events.
// hook.Registry satisfies this interface via EmitRuleFired.
type Emitter interface {
	EmitRuleFired(ctx context.Context, ruleName string, jobID id.JobID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due rules.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
// Exported for use by engine.RegisterRule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Scheduler fires due rules on a tick loop. A rule whose NextRunAt
// passed while the process was down fires once on the first tick: the
// due check compares persisted times, never in-memory counters.
type Scheduler struct {
	store   Store
	enqueue EnqueueFunc
	emitter Emitter
	logger  *slog.Logger

	tickInterval time.Duration

	// parsed caches parsed cron expressions.
	parsedMu sync.RWMutex
	parsed   map[string]cronlib.Schedule

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	store Store,
	enqueue EnqueueFunc,
	emitter Emitter,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		enqueue:      enqueue,
		emitter:      emitter,
		logger:       logger,
		tickInterval: 1 * time.Second,
		parsed:       make(map[string]cronlib.Schedule),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine. The first tick runs immediately so
// rules that came due while the process was down fire without waiting.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop to
// finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	s.tick()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick fires every due rule once. Firing is not replayed per missed
// occurrence: a rule that missed several firings while the process was
// down catches up with a single firing.
func (s *Scheduler) tick() {
	ctx := context.Background()

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		s.logger.Error("list rules error", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, r := range rules {
		if !r.Due(now) {
			continue
		}
		s.fireRule(ctx, r, now)
	}
}

// fireRule enqueues the occurrence before persisting LastFiredAt. A
// crash between the two re-fires the occurrence on restart, so firing
// is at-least-once; the reverse order would drop it instead.
func (s *Scheduler) fireRule(ctx context.Context, r *Rule, now time.Time) {
	jobID, err := s.enqueue(ctx, r.Queue, r.Type, r.Payload)
	if err != nil {
		s.logger.Error("rule enqueue error",
			slog.String("rule_name", r.Name),
			slog.String("job_type", r.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	sched, parseErr := s.getOrParseSchedule(r.Schedule)
	if parseErr != nil {
		// Registration validates schedules, so this means the stored
		// expression was corrupted. Disable the rule rather than
		// firing it on every tick.
		s.logger.Error("parse rule schedule error",
			slog.String("rule_name", r.Name),
			slog.String("schedule", r.Schedule),
			slog.String("error", parseErr.Error()),
		)
		r.Enabled = false
		r.LastFiredAt = &now
		if updateErr := s.store.UpdateRule(ctx, r); updateErr != nil {
			s.logger.Error("disable rule error",
				slog.String("rule_id", r.ID.String()),
				slog.String("error", updateErr.Error()),
			)
		}
		return
	}

	next := sched.Next(now)
	if err := s.store.UpdateRuleFired(ctx, r.ID, now, next); err != nil {
		s.logger.Error("update rule fired error",
			slog.String("rule_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	r.LastFiredAt = &now
	r.NextRunAt = &next

	if s.emitter != nil {
		s.emitter.EmitRuleFired(ctx, r.Name, jobID)
	}

	s.logger.Info("rule fired",
		slog.String("rule_name", r.Name),
		slog.String("job_type", r.Type),
		slog.String("job_id", jobID.String()),
		slog.Time("next_run_at", next),
	)
}

// getOrParseSchedule caches parsed cron expressions.
func (s *Scheduler) getOrParseSchedule(expr string) (cronlib.Schedule, error) {
	s.parsedMu.RLock()
	sched, ok := s.parsed[expr]
	s.parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}

	s.parsedMu.Lock()
	s.parsed[expr] = sched
	s.parsedMu.Unlock()
	return sched, nil
}
