package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerline/backlog/job"
)

// Logging returns middleware that logs job start, completion, and
// failure with structured fields.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()

		logger.Debug("job started",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts),
		)

		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job failed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.String("queue", j.Queue),
				slog.Int("attempt", j.Attempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}

		logger.Info("job completed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("queue", j.Queue),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}
