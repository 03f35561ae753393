package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ledgerline/backlog/job"
)

// Recover returns middleware that converts handler panics into errors.
// The panic value and stack trace are logged, and the job fails with a
// descriptive error instead of crashing the worker.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				logger.Error("job handler panicked",
					slog.String("job_id", j.ID.String()),
					slog.String("job_type", j.Type),
					slog.String("queue", j.Queue),
					slog.Any("panic", r),
					slog.String("stack", string(stack)),
				)
				err = fmt.Errorf("panic in job handler: %v", r)
			}
		}()
		return next(ctx)
	}
}
