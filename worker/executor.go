// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool that
// manages concurrent worker goroutines claiming jobs from queues.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ledgerline/backlog/hook"
	"github.com/ledgerline/backlog/job"
	"github.com/ledgerline/backlog/middleware"
)

// Executor runs a single claimed job through middleware and the
// registered handler, then records the outcome in the store and emits
// the matching lifecycle event.
type Executor struct {
	registry *job.Registry
	hooks    *hook.Registry
	store    job.Store
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hooks *hook.Registry,
	store job.Store,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		hooks:    hooks,
		store:    store,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs an active job through the middleware chain and handler.
// On success: marks the job completed and emits JobCompleted.
// On failure: delegates retry accounting to the store, then emits
// JobRetrying or JobFailed depending on the resulting state.
//
// The returned error reflects the handler outcome; store errors while
// recording the outcome take precedence since they leave the job
// leased.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Queue, j.Type)
	if !ok {
		return e.recordFailure(ctx, j, fmt.Errorf("no handler registered for %s/%s", j.Queue, j.Type))
	}

	start := time.Now()

	// The terminal handler calls the registered job handler and
	// captures its result for CompleteJob.
	var result []byte
	terminal := func(ctx context.Context) error {
		out, err := handler(ctx, j.Payload)
		if err != nil {
			return err
		}
		result = out
		return nil
	}

	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		return e.recordFailure(ctx, j, err)
	}

	if completeErr := e.store.CompleteJob(ctx, j.ID, result); completeErr != nil {
		e.logger.Error("failed to mark job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", completeErr.Error()),
		)
		return completeErr
	}

	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.FinishedAt = &now

	e.hooks.EmitJobCompleted(ctx, j, elapsed)
	return nil
}

// recordFailure applies failure accounting through the store and emits
// the appropriate lifecycle event for the job's resulting state.
func (e *Executor) recordFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	updated, failErr := e.store.FailJob(ctx, j.ID, handlerErr.Error())
	if failErr != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", failErr.Error()),
		)
		return failErr
	}

	switch updated.State {
	case job.StateDelayed:
		e.hooks.EmitJobRetrying(ctx, updated, updated.Attempts, updated.RunAt)
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", updated.ID.String()),
			slog.String("job_type", updated.Type),
			slog.Int("attempt", updated.Attempts),
			slog.Int("max_attempts", updated.MaxAttempts),
			slog.Time("run_at", updated.RunAt),
		)
	case job.StateFailed:
		e.hooks.EmitJobFailed(ctx, updated, handlerErr)
		e.logger.Warn("job failed after exhausting attempts",
			slog.String("job_id", updated.ID.String()),
			slog.String("job_type", updated.Type),
			slog.Int("attempts", updated.Attempts),
			slog.String("error", handlerErr.Error()),
		)
	}

	return fmt.Errorf("job %s attempt %d/%d: %w", updated.ID, updated.Attempts, updated.MaxAttempts, handlerErr)
}
