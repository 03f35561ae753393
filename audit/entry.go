package audit

import (
	"time"

	"github.com/ledgerline/backlog/id"
)

// Actions recorded by the trail. Administrative actions carry the actor
// taken from the request; lifecycle actions are recorded under the
// system actor.
const (
	ActionJobRequeued      = "job.requeued"
	ActionJobDeleted       = "job.deleted"
	ActionJobFailed        = "job.failed"
	ActionQueuePurged      = "queue.purged"
	ActionQueueConcurrency = "queue.concurrency_set"
	ActionRuleFired        = "rule.fired"
)

// SystemActor is recorded for entries produced by the system itself
// rather than an administrator.
const SystemActor = "system"

// Entry is one immutable record in the audit trail.
type Entry struct {
	ID         id.AuditID `json:"id"`
	Actor      string     `json:"actor"`
	Action     string     `json:"action"`
	Resource   string     `json:"resource"`
	ResourceID string     `json:"resource_id"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
