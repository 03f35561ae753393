package redis

// Redis key naming conventions for backlog data.
// All keys are prefixed with "backlog:" to avoid collisions.

const keyPrefix = "backlog:"

// ── Job keys ──

// jobKey returns the key for a job hash: backlog:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// readyKey returns the Sorted Set of claimable job IDs for a queue,
// scored by priority then creation order: backlog:ready:{queue}
func readyKey(queue string) string { return keyPrefix + "ready:" + queue }

// delayedKey returns the Sorted Set of delayed job IDs for a queue,
// scored by RunAt: backlog:delayed:{queue}
func delayedKey(queue string) string { return keyPrefix + "delayed:" + queue }

// leasesKey is the Sorted Set of active job IDs scored by lease expiry.
const leasesKey = keyPrefix + "leases"

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// seqKey is the counter assigning each job its enqueue sequence number,
// used to break priority ties in ready sets.
const seqKey = keyPrefix + "seq"

// ── Rule keys ──

// ruleKey returns the key for a schedule rule hash: backlog:rule:{id}
func ruleKey(id string) string { return keyPrefix + "rule:" + id }

// ruleIDsKey is the Set tracking all rule IDs for enumeration.
const ruleIDsKey = keyPrefix + "rule_ids"

// ruleNamesKey maps rule names to IDs for duplicate detection.
const ruleNamesKey = keyPrefix + "rule_names"

// ── Audit keys ──

// auditKey is the List of audit entries as JSON, newest first.
const auditKey = keyPrefix + "audit"
