// Package audit records who did what to the job system and when.
//
// Every administrative action on the monitoring surface — retrying a
// failed job, deleting a job, purging a queue, adjusting a concurrency
// ceiling — is appended to the audit trail with its actor and
// timestamp. The [Trail] also subscribes to lifecycle hooks so that
// terminal job failures and scheduler firings appear in the same
// record, giving operators one place to answer "why is this job in
// this state, and who touched it".
//
// Audit entries are append-only; the trail never updates or rewrites
// them.
package audit
