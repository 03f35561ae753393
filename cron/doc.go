// Package cron provides calendar-based recurring job scheduling.
//
// A [Rule] binds a cron expression to a job type: on each firing the
// scheduler enqueues a fresh job with the rule's static payload. Rules
// are persisted, so firing times survive restarts — a rule whose
// NextRunAt passed while the process was down fires exactly once on
// startup, then returns to its normal cadence.
//
// # Rule
//
//   - Schedule: standard 5-field cron expression or a descriptor like
//     "@every 30s" or "@daily"
//   - Queue / Type: the registered job definition to enqueue when fired
//   - Payload: static JSON payload passed to every triggered job
//   - Enabled: whether the rule fires
//
// # Scheduler
//
// The [Scheduler] evaluates due rules on every tick, enqueues the
// corresponding job, and persists LastFiredAt and NextRunAt. The
// [hook.RuleFired] event fires after each enqueue.
//
// The scheduler itself holds no long-term state: everything needed to
// resume is in the store.
package cron
