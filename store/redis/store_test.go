package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return New(client)
}

func newJob(queue, jobType string) *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		Queue:       queue,
		Type:        jobType,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		Backoff:     backoff.Spec{Kind: backoff.KindFixed, Base: time.Second, Max: time.Second},
	}
}

// rewindRunAt makes a delayed job immediately claimable again.
func rewindRunAt(t *testing.T, s *Store, j *job.Job) {
	t.Helper()
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Second)
	jID := j.ID.String()
	if err := s.client.HSet(ctx, jobKey(jID), "run_at", past.Format(time.RFC3339Nano)).Err(); err != nil {
		t.Fatalf("rewind hset: %v", err)
	}
	if err := s.client.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{
		Score:  float64(past.UnixNano()),
		Member: jID,
	}).Err(); err != nil {
		t.Fatalf("rewind zadd: %v", err)
	}
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	j.Priority = 2
	j.Timeout = time.Minute
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting {
		t.Fatalf("got state %q, want waiting", got.State)
	}
	if got.Priority != 2 || got.Timeout != time.Minute {
		t.Fatalf("fields lost in round trip: %+v", got)
	}
	if got.Backoff != j.Backoff {
		t.Fatalf("backoff lost: got %+v, want %+v", got.Backoff, j.Backoff)
	}

	if err := s.EnqueueJob(ctx, j); !errors.Is(err, backlog.ErrJobAlreadyExists) {
		t.Fatalf("got %v, want ErrJobAlreadyExists", err)
	}
}

func TestClaimNextOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	low := newJob("invoices", "invoice.send")
	low.Priority = 5
	urgentFirst := newJob("invoices", "invoice.send")
	urgentFirst.Priority = 1
	urgentLater := newJob("invoices", "invoice.send")
	urgentLater.Priority = 1

	for _, j := range []*job.Job{low, urgentFirst, urgentLater} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	wid := id.NewWorkerID()
	order := []string{urgentFirst.ID.String(), urgentLater.ID.String(), low.ID.String()}
	for i, want := range order {
		j, err := s.ClaimNext(ctx, "invoices", wid)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if j == nil || j.ID.String() != want {
			t.Fatalf("claim %d: got %v, want %s", i, j, want)
		}
		if j.State != job.StateActive || j.LeaseExpiresAt == nil {
			t.Fatalf("claim %d: job not activated: %+v", i, j)
		}
	}

	empty, err := s.ClaimNext(ctx, "invoices", wid)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if empty != nil {
		t.Fatalf("got %v, want nil on empty queue", empty)
	}
}

func TestClaimNextFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// Identical CreatedAt and a high priority band: ordering must come
	// from the enqueue sequence, not from timestamp resolution.
	created := time.Now().UTC()
	var want []string
	for range 5 {
		j := newJob("invoices", "invoice.send")
		j.Priority = 8
		j.CreatedAt = created
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
		want = append(want, j.ID.String())
	}

	wid := id.NewWorkerID()
	for i, wantID := range want {
		j, err := s.ClaimNext(ctx, "invoices", wid)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if j == nil || j.ID.String() != wantID {
			t.Fatalf("claim %d: got %v, want %s", i, j, wantID)
		}
	}
}

func TestClaimNextPromotesDueDelayed(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	due := newJob("invoices", "invoice.send")
	due.RunAt = time.Now().UTC().Add(-time.Second)
	due.State = job.StateDelayed
	future := newJob("invoices", "invoice.send")
	future.RunAt = time.Now().UTC().Add(time.Hour)

	for _, j := range []*job.Job{due, future} {
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	claimed, err := s.ClaimNext(ctx, "invoices", id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if claimed == nil || claimed.ID.String() != due.ID.String() {
		t.Fatalf("got %v, want due job %s", claimed, due.ID)
	}

	second, err := s.ClaimNext(ctx, "invoices", id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if second != nil {
		t.Fatalf("future job claimed early: %+v", second)
	}
}

func TestFailJobAccounting(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	j.MaxAttempts = 2
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	wid := id.NewWorkerID()
	if _, err := s.ClaimNext(ctx, "invoices", wid); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	updated, err := s.FailJob(ctx, j.ID, "smtp down")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if updated.State != job.StateDelayed || updated.Attempts != 1 {
		t.Fatalf("got %s/%d, want delayed/1", updated.State, updated.Attempts)
	}

	rewindRunAt(t, s, j)
	if _, err := s.ClaimNext(ctx, "invoices", wid); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	updated, err = s.FailJob(ctx, j.ID, "smtp still down")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if updated.State != job.StateFailed || updated.Attempts != 2 {
		t.Fatalf("got %s/%d, want failed/2", updated.State, updated.Attempts)
	}
	if updated.FinishedAt == nil {
		t.Fatal("FinishedAt not set")
	}

	if _, err := s.FailJob(ctx, j.ID, "again"); !errors.Is(err, backlog.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestExpireLeasesSingleIncrement(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	j.Timeout = time.Millisecond
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "invoices", id.NewWorkerID()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	deadline := time.Now().UTC().Add(time.Second)
	expired, err := s.ExpireLeases(ctx, deadline)
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if len(expired) != 1 || expired[0].Attempts != 1 {
		t.Fatalf("got %v, want one job with attempts=1", expired)
	}

	again, err := s.ExpireLeases(ctx, deadline)
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep expired %d jobs, want 0", len(again))
	}
}

func TestRequeueDeletePurge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	j.MaxAttempts = 1
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNext(ctx, "invoices", id.NewWorkerID()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if _, err := s.FailJob(ctx, j.ID, "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	if err := s.RequeueJob(ctx, j.ID); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting || got.Attempts != 0 {
		t.Fatalf("got %s/%d, want waiting/0", got.State, got.Attempts)
	}
	if err := s.RequeueJob(ctx, j.ID); !errors.Is(err, backlog.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}

	// Active jobs resist deletion.
	if _, err := s.ClaimNext(ctx, "invoices", id.NewWorkerID()); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.DeleteJob(ctx, j.ID); !errors.Is(err, backlog.ErrJobActive) {
		t.Fatalf("got %v, want ErrJobActive", err)
	}
	if err := s.CompleteJob(ctx, j.ID, nil); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	purged, err := s.PurgeJobs(ctx, "invoices", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d, want 1", purged)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, backlog.ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestListAndCountJobs(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := range 4 {
		j := newJob("invoices", "invoice.send")
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.EnqueueJob(ctx, j); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}

	jobs, err := s.ListJobs(ctx, job.ListOpts{Queue: "invoices", Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if !jobs[0].CreatedAt.After(jobs[1].CreatedAt) {
		t.Fatal("jobs not ordered newest first")
	}

	count, err := s.CountJobs(ctx, job.CountOpts{State: job.StateWaiting})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 4 {
		t.Fatalf("got count %d, want 4", count)
	}
}

func TestRuleRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	r := &cron.Rule{
		ID:        id.NewRuleID(),
		Name:      "daily-reminders",
		Schedule:  "0 9 * * *",
		Queue:     "invoices",
		Type:      "invoice.remind",
		Payload:   []byte(`{"days":7}`),
		Enabled:   true,
		NextRunAt: &next,
	}
	if err := s.RegisterRule(ctx, r); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	dup := *r
	dup.ID = id.NewRuleID()
	if err := s.RegisterRule(ctx, &dup); !errors.Is(err, backlog.ErrDuplicateRule) {
		t.Fatalf("got %v, want ErrDuplicateRule", err)
	}

	got, err := s.GetRuleByName(ctx, "daily-reminders")
	if err != nil {
		t.Fatalf("GetRuleByName: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, next)
	}

	fired := time.Now().UTC()
	if err := s.UpdateRuleFired(ctx, r.ID, fired, fired.Add(24*time.Hour)); err != nil {
		t.Fatalf("UpdateRuleFired: %v", err)
	}
	got, err = s.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(fired) {
		t.Fatalf("LastFiredAt = %v, want %v", got.LastFiredAt, fired)
	}

	if err := s.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := s.GetRule(ctx, r.ID); !errors.Is(err, backlog.ErrRuleNotFound) {
		t.Fatalf("got %v, want ErrRuleNotFound", err)
	}
}

func TestAuditRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		if err := s.AppendAudit(ctx, &audit.Entry{
			Actor:      "ops@example.com",
			Action:     audit.ActionJobRequeued,
			Resource:   "job",
			ResourceID: "j",
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	entries, err := s.ListAudit(ctx, audit.ListOpts{Action: audit.ActionJobRequeued, Limit: 2})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if !entries[0].CreatedAt.After(entries[1].CreatedAt) {
		t.Fatal("entries not ordered newest first")
	}
}
