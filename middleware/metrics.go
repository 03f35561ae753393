package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ledgerline/backlog/job"
)

const meterName = "github.com/ledgerline/backlog"

// Metrics returns middleware that records job execution metrics using
// the global OpenTelemetry meter provider.
//
// Recorded instruments:
//   - backlog.job.duration (histogram, seconds)
//   - backlog.job.executions (counter)
//
// Both carry queue, type, and status (ok|error) attributes.
func Metrics() Middleware {
	return MetricsWithMeter(otel.GetMeterProvider().Meter(meterName))
}

// MetricsWithMeter is like Metrics but records to the provided meter.
// Useful for tests with a manual reader.
func MetricsWithMeter(meter metric.Meter) Middleware {
	duration, _ := meter.Float64Histogram(
		"backlog.job.duration",
		metric.WithDescription("Job execution duration"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"backlog.job.executions",
		metric.WithDescription("Total job executions"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("queue", j.Queue),
			attribute.String("type", j.Type),
			attribute.String("status", status),
		)
		if duration != nil {
			duration.Record(ctx, elapsed.Seconds(), attrs)
		}
		if executions != nil {
			executions.Add(ctx, 1, attrs)
		}
		return err
	}
}
