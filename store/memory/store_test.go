package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

func newJob(queue, jobType string) *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		Queue:       queue,
		Type:        jobType,
		Payload:     []byte(`{}`),
		MaxAttempts: 3,
		Backoff:     backoff.DefaultSpec(),
	}
}

func enqueue(t *testing.T, s *Store, j *job.Job) {
	t.Helper()
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
}

func claim(t *testing.T, s *Store, queue string) *job.Job {
	t.Helper()
	j, err := s.ClaimNext(context.Background(), queue, id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	return j
}

// ──────────────────────────────────────────────────
// Enqueue / Get
// ──────────────────────────────────────────────────

func TestEnqueueAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting {
		t.Fatalf("got state %q, want waiting", got.State)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
}

func TestEnqueueDuplicate(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	if err := s.EnqueueJob(context.Background(), j); !errors.Is(err, backlog.ErrJobAlreadyExists) {
		t.Fatalf("got %v, want ErrJobAlreadyExists", err)
	}
}

func TestEnqueueFutureRunAtIsDelayed(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("invoices", "invoice.send")
	j.RunAt = time.Now().UTC().Add(time.Hour)
	enqueue(t, s, j)

	got, err := s.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateDelayed {
		t.Fatalf("got state %q, want delayed", got.State)
	}
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	s := New()

	if _, err := s.GetJob(context.Background(), id.NewJobID()); !errors.Is(err, backlog.ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// ClaimNext
// ──────────────────────────────────────────────────

func TestClaimNextEmpty(t *testing.T) {
	t.Parallel()
	s := New()

	j, err := s.ClaimNext(context.Background(), "invoices", id.NewWorkerID())
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Fatalf("got job %v, want nil", j)
	}
}

func TestClaimNextLowestPriorityFirst(t *testing.T) {
	t.Parallel()
	s := New()

	low := newJob("invoices", "invoice.send")
	low.Priority = 5
	urgent := newJob("invoices", "invoice.send")
	urgent.Priority = 1
	enqueue(t, s, low)
	enqueue(t, s, urgent)

	got := claim(t, s, "invoices")
	if got == nil || got.ID.String() != urgent.ID.String() {
		t.Fatalf("claimed %v, want the priority-1 job", got)
	}
}

func TestClaimNextFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	s := New()

	base := time.Now().UTC().Add(-time.Minute)
	var want []string
	for i := range 3 {
		j := newJob("invoices", "invoice.send")
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		enqueue(t, s, j)
		want = append(want, j.ID.String())
	}

	for i, id := range want {
		got := claim(t, s, "invoices")
		if got == nil || got.ID.String() != id {
			t.Fatalf("claim %d: got %v, want %s", i, got, id)
		}
	}
}

func TestClaimNextSetsLease(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("invoices", "invoice.send")
	j.Timeout = time.Minute
	enqueue(t, s, j)

	wid := id.NewWorkerID()
	got, err := s.ClaimNext(context.Background(), "invoices", wid)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if got.State != job.StateActive {
		t.Fatalf("got state %q, want active", got.State)
	}
	if got.WorkerID.String() != wid.String() {
		t.Fatalf("got worker %s, want %s", got.WorkerID, wid)
	}
	if got.StartedAt == nil || got.LeaseExpiresAt == nil {
		t.Fatal("StartedAt / LeaseExpiresAt not set")
	}
	lease := got.LeaseExpiresAt.Sub(*got.StartedAt)
	if lease != time.Minute {
		t.Fatalf("lease %v, want 1m", lease)
	}
}

func TestClaimNextPromotesDueDelayed(t *testing.T) {
	t.Parallel()
	s := New()

	due := newJob("invoices", "invoice.send")
	due.RunAt = time.Now().UTC().Add(-time.Second)
	due.State = job.StateDelayed
	future := newJob("invoices", "invoice.send")
	future.RunAt = time.Now().UTC().Add(time.Hour)
	enqueue(t, s, due)
	enqueue(t, s, future)

	got := claim(t, s, "invoices")
	if got == nil || got.ID.String() != due.ID.String() {
		t.Fatalf("claimed %v, want the due delayed job", got)
	}
	if next := claim(t, s, "invoices"); next != nil {
		t.Fatalf("claimed %v, want nil (future job not eligible)", next)
	}
}

func TestClaimNextIgnoresOtherQueues(t *testing.T) {
	t.Parallel()
	s := New()

	enqueue(t, s, newJob("reports", "report.generate"))
	if got := claim(t, s, "invoices"); got != nil {
		t.Fatalf("claimed %v from wrong queue", got)
	}
}

func TestClaimNextConcurrentUniqueness(t *testing.T) {
	t.Parallel()
	s := New()

	const jobs = 50
	for range jobs {
		enqueue(t, s, newJob("invoices", "invoice.send"))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wid := id.NewWorkerID()
			for {
				j, err := s.ClaimNext(context.Background(), "invoices", wid)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for jid, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", jid, n)
		}
	}
}

// ──────────────────────────────────────────────────
// Complete / Fail
// ──────────────────────────────────────────────────

func TestCompleteJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	claim(t, s, "invoices")

	if err := s.CompleteJob(ctx, j.ID, []byte(`{"sent":true}`)); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateCompleted {
		t.Fatalf("got state %q, want completed", got.State)
	}
	if got.FinishedAt == nil {
		t.Fatal("FinishedAt not set")
	}
	if string(got.Result) != `{"sent":true}` {
		t.Fatalf("got result %q", got.Result)
	}
}

func TestCompleteJobNotActive(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	if err := s.CompleteJob(context.Background(), j.ID, nil); !errors.Is(err, backlog.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestFailJobRetryThenPark(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	j.Backoff = backoff.Spec{Kind: backoff.KindExponential, Base: time.Second, Max: time.Minute}
	enqueue(t, s, j)

	// Attempts 1 and 2 fail and schedule delayed retries with growing
	// backoff delays.
	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for attempt := 1; attempt <= 2; attempt++ {
		// Make the delayed job immediately claimable again.
		forceEligible(s, j.ID)
		if c := claim(t, s, "invoices"); c == nil {
			t.Fatalf("attempt %d: nothing to claim", attempt)
		}

		before := time.Now().UTC()
		updated, err := s.FailJob(ctx, j.ID, fmt.Sprintf("smtp error %d", attempt))
		if err != nil {
			t.Fatalf("FailJob: %v", err)
		}
		if updated.State != job.StateDelayed {
			t.Fatalf("attempt %d: got state %q, want delayed", attempt, updated.State)
		}
		if updated.Attempts != attempt {
			t.Fatalf("attempt %d: got attempts %d", attempt, updated.Attempts)
		}
		delay := updated.RunAt.Sub(before)
		want := wantDelays[attempt-1]
		if delay < want-100*time.Millisecond || delay > want+time.Second {
			t.Fatalf("attempt %d: delay %v, want ~%v", attempt, delay, want)
		}
	}

	// Third failure exhausts the budget.
	forceEligible(s, j.ID)
	claim(t, s, "invoices")
	updated, err := s.FailJob(ctx, j.ID, "smtp error 3")
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if updated.State != job.StateFailed {
		t.Fatalf("got state %q, want failed", updated.State)
	}
	if updated.Attempts != 3 {
		t.Fatalf("got attempts %d, want 3", updated.Attempts)
	}
	if updated.FinishedAt == nil {
		t.Fatal("FinishedAt not set on terminal failure")
	}
	if updated.LastError != "smtp error 3" {
		t.Fatalf("got last error %q", updated.LastError)
	}
}

func TestFailJobNotActive(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	if _, err := s.FailJob(context.Background(), j.ID, "boom"); !errors.Is(err, backlog.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

// forceEligible rewinds a delayed job's RunAt so tests can claim it
// immediately.
func forceEligible(s *Store, jobID id.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID.String()]; ok && j.State == job.StateDelayed {
		j.RunAt = time.Now().UTC().Add(-time.Second)
	}
}

// ──────────────────────────────────────────────────
// Lease expiry
// ──────────────────────────────────────────────────

func TestExpireLeases(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	j.Timeout = time.Minute
	enqueue(t, s, j)
	claim(t, s, "invoices")

	// Not yet expired.
	expired, err := s.ExpireLeases(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("got %d expired, want 0", len(expired))
	}

	// Past the lease deadline.
	expired, err = s.ExpireLeases(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("got %d expired, want 1", len(expired))
	}
	got := expired[0]
	if got.Attempts != 1 {
		t.Fatalf("got attempts %d, want exactly 1", got.Attempts)
	}
	if got.State != job.StateDelayed {
		t.Fatalf("got state %q, want delayed", got.State)
	}
	if got.LastError != backlog.ErrLeaseExpired.Error() {
		t.Fatalf("got last error %q", got.LastError)
	}

	// A second sweep must not double-account the same expiry.
	expired, err = s.ExpireLeases(ctx, time.Now().UTC().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExpireLeases: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("second sweep expired %d jobs, want 0", len(expired))
	}
}

// ──────────────────────────────────────────────────
// Requeue / Delete / Purge
// ──────────────────────────────────────────────────

func exhaustJob(t *testing.T, s *Store, j *job.Job) {
	t.Helper()
	ctx := context.Background()
	for range j.MaxAttempts {
		forceEligible(s, j.ID)
		if c := claim(t, s, j.Queue); c == nil {
			t.Fatal("nothing to claim")
		}
		if _, err := s.FailJob(ctx, j.ID, "boom"); err != nil {
			t.Fatalf("FailJob: %v", err)
		}
	}
}

func TestRequeueJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	exhaustJob(t, s, j)

	if err := s.RequeueJob(ctx, j.ID); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting {
		t.Fatalf("got state %q, want waiting", got.State)
	}
	if got.Attempts != 0 {
		t.Fatalf("got attempts %d, want 0", got.Attempts)
	}
	if got.FinishedAt != nil {
		t.Fatal("FinishedAt not cleared")
	}
	if string(got.Payload) != `{}` {
		t.Fatalf("payload changed: %q", got.Payload)
	}
}

func TestRequeueJobOnlyFromFailed(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	if err := s.RequeueJob(context.Background(), j.ID); !errors.Is(err, backlog.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestDeleteJobActive(t *testing.T) {
	t.Parallel()
	s := New()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	claim(t, s, "invoices")

	if err := s.DeleteJob(context.Background(), j.ID); !errors.Is(err, backlog.ErrJobActive) {
		t.Fatalf("got %v, want ErrJobActive", err)
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	if err := s.DeleteJob(ctx, j.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, j.ID); !errors.Is(err, backlog.ErrJobNotFound) {
		t.Fatalf("got %v, want ErrJobNotFound", err)
	}
}

func TestPurgeJobs(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	old := newJob("invoices", "invoice.send")
	enqueue(t, s, old)
	claim(t, s, "invoices")
	if err := s.CompleteJob(ctx, old.ID, nil); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	pending := newJob("invoices", "invoice.send")
	pending.Priority = 10 // claimed after old
	enqueue(t, s, pending)

	purged, err := s.PurgeJobs(ctx, "invoices", time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged %d, want 1", purged)
	}
	if _, err := s.GetJob(ctx, old.ID); !errors.Is(err, backlog.ErrJobNotFound) {
		t.Fatalf("completed job survived purge: %v", err)
	}
	if _, err := s.GetJob(ctx, pending.ID); err != nil {
		t.Fatalf("waiting job purged: %v", err)
	}
}

func TestPurgeJobsRespectsCutoff(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("invoices", "invoice.send")
	enqueue(t, s, j)
	claim(t, s, "invoices")
	if err := s.CompleteJob(ctx, j.ID, nil); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	// Cutoff in the past — the just-finished job is newer.
	purged, err := s.PurgeJobs(ctx, "", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeJobs: %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged %d, want 0", purged)
	}
}

// ──────────────────────────────────────────────────
// List / Count
// ──────────────────────────────────────────────────

func TestListJobsFiltersAndPaginates(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := range 5 {
		j := newJob("invoices", "invoice.send")
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		enqueue(t, s, j)
	}
	enqueue(t, s, newJob("reports", "report.generate"))

	jobs, err := s.ListJobs(ctx, job.ListOpts{Queue: "invoices", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	// Newest first.
	if !jobs[0].CreatedAt.After(jobs[1].CreatedAt) {
		t.Fatal("jobs not ordered newest first")
	}

	count, err := s.CountJobs(ctx, job.CountOpts{Queue: "invoices", State: job.StateWaiting})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if count != 5 {
		t.Fatalf("got count %d, want 5", count)
	}
}

// ──────────────────────────────────────────────────
// Cron rules
// ──────────────────────────────────────────────────

func newRule(name string) *cron.Rule {
	next := time.Now().UTC().Add(time.Hour)
	return &cron.Rule{
		ID:        id.NewRuleID(),
		Name:      name,
		Schedule:  "0 9 * * *",
		Queue:     "invoices",
		Type:      "invoice.remind",
		Enabled:   true,
		NextRunAt: &next,
	}
}

func TestRegisterRuleDuplicateName(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	if err := s.RegisterRule(ctx, newRule("daily-reminders")); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}
	if err := s.RegisterRule(ctx, newRule("daily-reminders")); !errors.Is(err, backlog.ErrDuplicateRule) {
		t.Fatalf("got %v, want ErrDuplicateRule", err)
	}
}

func TestRuleLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRule("daily-reminders")
	if err := s.RegisterRule(ctx, r); err != nil {
		t.Fatalf("RegisterRule: %v", err)
	}

	got, err := s.GetRuleByName(ctx, "daily-reminders")
	if err != nil {
		t.Fatalf("GetRuleByName: %v", err)
	}
	if got.ID.String() != r.ID.String() {
		t.Fatalf("got rule %s, want %s", got.ID, r.ID)
	}

	fired := time.Now().UTC()
	next := fired.Add(24 * time.Hour)
	if err := s.UpdateRuleFired(ctx, r.ID, fired, next); err != nil {
		t.Fatalf("UpdateRuleFired: %v", err)
	}

	got, err = s.GetRule(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(fired) {
		t.Fatalf("LastFiredAt = %v, want %v", got.LastFiredAt, fired)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("NextRunAt = %v, want %v", got.NextRunAt, next)
	}

	if err := s.DeleteRule(ctx, r.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := s.GetRule(ctx, r.ID); !errors.Is(err, backlog.ErrRuleNotFound) {
		t.Fatalf("got %v, want ErrRuleNotFound", err)
	}
}

// ──────────────────────────────────────────────────
// Audit trail
// ──────────────────────────────────────────────────

func TestAuditAppendAndList(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i := range 3 {
		e := &audit.Entry{
			Actor:      "ops@example.com",
			Action:     audit.ActionJobRequeued,
			Resource:   "job",
			ResourceID: fmt.Sprintf("job_%d", i),
			CreatedAt:  time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	if err := s.AppendAudit(ctx, &audit.Entry{
		Actor:    audit.SystemActor,
		Action:   audit.ActionQueuePurged,
		Resource: "queue",
	}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	entries, err := s.ListAudit(ctx, audit.ListOpts{Action: audit.ActionJobRequeued})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].ResourceID != "job_2" {
		t.Fatalf("got first entry %q, want newest (job_2)", entries[0].ResourceID)
	}
	for _, e := range entries {
		if e.ID.IsNil() {
			t.Fatal("entry ID not assigned")
		}
	}
}
