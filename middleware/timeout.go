package middleware

import (
	"context"
	"fmt"

	"github.com/ledgerline/backlog/job"
)

// Timeout returns middleware that enforces the job's per-execution
// timeout. Jobs without a timeout run unbounded (the lease sweep still
// reclaims them if the worker dies).
func Timeout() Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		// next runs in its own goroutine, outside any deferred recover
		// on the caller's stack. A panic here must be caught locally or
		// it takes down the process.
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in job handler: %v", r)
				}
			}()
			done <- next(ctx)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
