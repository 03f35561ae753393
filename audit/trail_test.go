package audit

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

type captureStore struct {
	entries []*Entry
	err     error
}

func (s *captureStore) AppendAudit(_ context.Context, e *Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *captureStore) ListAudit(_ context.Context, _ ListOpts) ([]*Entry, error) {
	return s.entries, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRecordAssignsIdentity(t *testing.T) {
	t.Parallel()

	st := &captureStore{}
	trail := NewTrail(st, discardLogger())

	trail.Record(context.Background(), "ops@example.com", ActionJobRequeued, "job", "job_1", "")

	if len(st.entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(st.entries))
	}
	e := st.entries[0]
	if e.ID.IsNil() || e.CreatedAt.IsZero() {
		t.Fatalf("identity not assigned: %+v", e)
	}
	if e.Actor != "ops@example.com" || e.Action != ActionJobRequeued {
		t.Fatalf("got %+v", e)
	}
}

func TestRecordSwallowsStoreErrors(t *testing.T) {
	t.Parallel()

	st := &captureStore{err: errors.New("disk full")}
	trail := NewTrail(st, discardLogger())

	// Must not panic or propagate.
	trail.Record(context.Background(), "ops@example.com", ActionJobDeleted, "job", "job_1", "")
}

func TestOnJobFailedUsesSystemActor(t *testing.T) {
	t.Parallel()

	st := &captureStore{}
	trail := NewTrail(st, discardLogger())

	j := &job.Job{ID: id.NewJobID()}
	if err := trail.OnJobFailed(context.Background(), j, errors.New("smtp down")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	if len(st.entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(st.entries))
	}
	e := st.entries[0]
	if e.Actor != SystemActor || e.Action != ActionJobFailed || e.Detail != "smtp down" {
		t.Fatalf("got %+v", e)
	}
}

func TestOnRuleFired(t *testing.T) {
	t.Parallel()

	st := &captureStore{}
	trail := NewTrail(st, discardLogger())

	jobID := id.NewJobID()
	if err := trail.OnRuleFired(context.Background(), "weekly-reminders", jobID); err != nil {
		t.Fatalf("OnRuleFired: %v", err)
	}

	e := st.entries[0]
	if e.Action != ActionRuleFired || e.ResourceID != "weekly-reminders" {
		t.Fatalf("got %+v", e)
	}
}
