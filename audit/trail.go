package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

// Trail appends audit entries to a Store. It is used directly by the
// administrative surface and doubles as a lifecycle hook so terminal
// failures and rule firings land in the same record.
type Trail struct {
	store  Store
	logger *slog.Logger
}

// NewTrail creates a Trail over the given store.
func NewTrail(store Store, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{store: store, logger: logger}
}

// Name implements hook.Hook.
func (t *Trail) Name() string { return "audit" }

// Record appends one administrative entry. Append failures are logged,
// never propagated: an unavailable audit store must not block the
// action itself.
func (t *Trail) Record(ctx context.Context, actor, action, resource, resourceID, detail string) {
	e := &Entry{
		ID:         id.NewAuditID(),
		Actor:      actor,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}
	if err := t.store.AppendAudit(ctx, e); err != nil {
		t.logger.Warn("audit append failed",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()),
		)
	}
}

// OnJobFailed implements hook.JobFailed: terminal failures are audited
// under the system actor so the trail explains parked jobs.
func (t *Trail) OnJobFailed(ctx context.Context, j *job.Job, jobErr error) error {
	t.Record(ctx, SystemActor, ActionJobFailed, "job", j.ID.String(), jobErr.Error())
	return nil
}

// OnRuleFired implements hook.RuleFired.
func (t *Trail) OnRuleFired(ctx context.Context, ruleName string, jobID id.JobID) error {
	t.Record(ctx, SystemActor, ActionRuleFired, "rule", ruleName, "enqueued "+jobID.String())
	return nil
}
