package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

// seqRange bounds the sequence component of a ready score. Scores stay
// exact in a float64 mantissa for priorities up to 2^21, so sequence
// ties never collapse the way a sub-integer time fraction would.
const seqRange = 1 << 31

// readyScore computes a sorted-set score from priority and the job's
// enqueue sequence. Lower priority values sort first; within a
// priority, jobs claim in enqueue order.
func readyScore(priority int, seq int64) float64 {
	return float64(priority)*seqRange + float64(seq%seqRange)
}

// EnqueueJob stores the job as a Hash and indexes it in the queue's
// ready or delayed Sorted Set depending on RunAt.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("backlog/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return backlog.ErrJobAlreadyExists
	}

	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.RunAt.IsZero() {
		j.RunAt = j.CreatedAt
	}
	if j.State == "" {
		if j.RunAt.After(now) {
			j.State = job.StateDelayed
		} else {
			j.State = job.StateWaiting
		}
	}

	seq, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("backlog/redis: enqueue sequence: %w", err)
	}

	fields := jobToMap(j)
	fields["seq"] = strconv.FormatInt(seq, 10)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if j.State == job.StateDelayed {
		pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: float64(j.RunAt.UnixNano()), Member: jID})
	} else {
		pipe.ZAdd(ctx, readyKey(j.Queue), goredis.Z{Score: readyScore(j.Priority, seq), Member: jID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog/redis: enqueue job: %w", err)
	}
	return nil
}

// ClaimNext promotes due delayed jobs into the ready set and then pops
// the best-ranked member. ZPopMin is atomic, so concurrent workers
// never claim the same job.
func (s *Store) ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	now := time.Now().UTC()
	if err := s.promoteDue(ctx, queue, now); err != nil {
		return nil, err
	}

	members, err := s.client.ZPopMin(ctx, readyKey(queue), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: claim zpopmin: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	jID, ok := members[0].Member.(string)
	if !ok {
		return nil, fmt.Errorf("backlog/redis: claim: unexpected member type %T", members[0].Member)
	}

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return nil, err
	}

	lease := defaultLease
	if j.Timeout > 0 {
		lease = j.Timeout
	}
	expiry := now.Add(lease)

	j.State = job.StateActive
	j.WorkerID = workerID
	j.StartedAt = &now
	j.LeaseExpiresAt = &expiry

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.ZAdd(ctx, leasesKey, goredis.Z{Score: float64(expiry.UnixNano()), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("backlog/redis: claim update: %w", err)
	}
	return j, nil
}

// promoteDue moves delayed jobs whose RunAt has passed into the ready
// set so they compete on priority like any waiting job.
func (s *Store) promoteDue(ctx context.Context, queue string, now time.Time) error {
	due, err := s.client.ZRangeByScore(ctx, delayedKey(queue), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("backlog/redis: promote due: %w", err)
	}

	for _, jID := range due {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			if errors.Is(getErr, backlog.ErrJobNotFound) {
				s.client.ZRem(ctx, delayedKey(queue), jID)
				continue
			}
			return getErr
		}
		j.State = job.StateWaiting
		seq, seqErr := s.jobSeq(ctx, jID)
		if seqErr != nil {
			return seqErr
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID), "state", string(job.StateWaiting))
		pipe.ZRem(ctx, delayedKey(queue), jID)
		pipe.ZAdd(ctx, readyKey(queue), goredis.Z{Score: readyScore(j.Priority, seq), Member: jID})
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return fmt.Errorf("backlog/redis: promote due update: %w", pErr)
		}
	}
	return nil
}

// CompleteJob transitions active → completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, result []byte) error {
	jID := jobID.String()
	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return err
	}
	if j.State != job.StateActive {
		return backlog.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.Result = result
	j.FinishedAt = &now
	j.LeaseExpiresAt = nil

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.ZRem(ctx, leasesKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog/redis: complete job: %w", err)
	}
	return nil
}

// FailJob applies retry accounting: another attempt is scheduled with
// backoff while the budget lasts, otherwise the job parks as failed.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, reason string) (*job.Job, error) {
	jID := jobID.String()
	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return nil, err
	}
	if j.State != job.StateActive {
		return nil, backlog.ErrInvalidState
	}

	applyFailure(j, reason, time.Now().UTC())

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.ZRem(ctx, leasesKey, jID)
	if j.State == job.StateDelayed {
		pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: float64(j.RunAt.UnixNano()), Member: jID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("backlog/redis: fail job: %w", err)
	}
	return j, nil
}

// applyFailure mutates j with the shared retry accounting.
func applyFailure(j *job.Job, reason string, now time.Time) {
	j.Attempts++
	j.LastError = reason
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.LeaseExpiresAt = nil

	if j.Attempts < j.MaxAttempts {
		j.State = job.StateDelayed
		j.RunAt = now.Add(backoff.Next(j.Backoff, j.Attempts))
		return
	}
	j.State = job.StateFailed
	j.FinishedAt = &now
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("backlog/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// DeleteJob removes a job by ID. Active jobs cannot be deleted.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return err
	}
	if j.State == job.StateActive {
		return backlog.ErrJobActive
	}
	return s.removeJob(ctx, j)
}

func (s *Store) removeJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	pipe.ZRem(ctx, readyKey(j.Queue), jID)
	pipe.ZRem(ctx, delayedKey(j.Queue), jID)
	pipe.ZRem(ctx, leasesKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog/redis: delete job: %w", err)
	}
	return nil
}

// RequeueJob returns a failed job to waiting with a fresh attempt
// budget.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return err
	}
	if j.State != job.StateFailed {
		return backlog.ErrInvalidState
	}

	now := time.Now().UTC()
	j.State = job.StateWaiting
	j.Attempts = 0
	j.RunAt = now
	j.WorkerID = id.Nil
	j.StartedAt = nil
	j.FinishedAt = nil
	j.LeaseExpiresAt = nil

	seq, err := s.jobSeq(ctx, jID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jID), jobToMap(j))
	pipe.ZAdd(ctx, readyKey(j.Queue), goredis.Z{Score: readyScore(j.Priority, seq), Member: jID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog/redis: requeue job: %w", err)
	}
	return nil
}

// ExpireLeases applies failure accounting to every active job whose
// lease deadline has passed.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]*job.Job, error) {
	ids, err := s.client.ZRangeByScore(ctx, leasesKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixNano(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: expire leases: %w", err)
	}

	var expired []*job.Job
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			if errors.Is(getErr, backlog.ErrJobNotFound) {
				s.client.ZRem(ctx, leasesKey, jID)
				continue
			}
			return nil, getErr
		}
		if j.State != job.StateActive {
			s.client.ZRem(ctx, leasesKey, jID)
			continue
		}

		applyFailure(j, backlog.ErrLeaseExpired.Error(), now)

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID), jobToMap(j))
		pipe.ZRem(ctx, leasesKey, jID)
		if j.State == job.StateDelayed {
			pipe.ZAdd(ctx, delayedKey(j.Queue), goredis.Z{Score: float64(j.RunAt.UnixNano()), Member: jID})
		}
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return nil, fmt.Errorf("backlog/redis: expire leases update: %w", pErr)
		}
		expired = append(expired, j)
	}
	return expired, nil
}

// PurgeJobs removes terminal jobs whose FinishedAt predates olderThan.
func (s *Store) PurgeJobs(ctx context.Context, queue string, olderThan time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("backlog/redis: purge smembers: %w", err)
	}

	var purged int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if queue != "" && j.Queue != queue {
			continue
		}
		if j.State != job.StateCompleted && j.State != job.StateFailed {
			continue
		}
		if j.FinishedAt == nil || !j.FinishedAt.Before(olderThan) {
			continue
		}
		if err := s.removeJob(ctx, j); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ── helpers ──

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":           j.ID.String(),
		"queue":        j.Queue,
		"type":         j.Type,
		"payload":      string(j.Payload),
		"state":        string(j.State),
		"priority":     strconv.Itoa(j.Priority),
		"attempts":     strconv.Itoa(j.Attempts),
		"max_attempts": strconv.Itoa(j.MaxAttempts),
		"backoff_kind": string(j.Backoff.Kind),
		"backoff_base": strconv.FormatInt(int64(j.Backoff.Base), 10),
		"backoff_max":  strconv.FormatInt(int64(j.Backoff.Max), 10),
		"timeout":      strconv.FormatInt(int64(j.Timeout), 10),
		"last_error":   j.LastError,
		"result":       string(j.Result),
		"worker_id":    j.WorkerID.String(),
		"run_at":       j.RunAt.Format(time.RFC3339Nano),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
	}
	m["started_at"] = ""
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	m["finished_at"] = ""
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	m["lease_expires_at"] = ""
	if j.LeaseExpiresAt != nil {
		m["lease_expires_at"] = j.LeaseExpiresAt.Format(time.RFC3339Nano)
	}
	return m
}

// jobSeq reads the enqueue sequence stored on the job hash.
func (s *Store) jobSeq(ctx context.Context, jID string) (int64, error) {
	v, err := s.client.HGet(ctx, jobKey(jID), "seq").Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("backlog/redis: job sequence: %w", err)
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("backlog/redis: job sequence: %w", err)
	}
	return seq, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, backlog.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])                          //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                          //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])                   //nolint:errcheck // best-effort parse from trusted Redis data
	backoffBase, _ := strconv.ParseInt(m["backoff_base"], 10, 64)       //nolint:errcheck // best-effort parse from trusted Redis data
	backoffMax, _ := strconv.ParseInt(m["backoff_max"], 10, 64)         //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64)                //nolint:errcheck // best-effort parse from trusted Redis data
	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])               //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])       //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		ID:          jID,
		Queue:       m["queue"],
		Type:        m["type"],
		Payload:     []byte(m["payload"]),
		State:       job.State(m["state"]),
		Priority:    priority,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		Backoff: backoff.Spec{
			Kind: backoff.Kind(m["backoff_kind"]),
			Base: time.Duration(backoffBase),
			Max:  time.Duration(backoffMax),
		},
		Timeout:   time.Duration(timeout),
		LastError: m["last_error"],
		RunAt:     runAt,
		CreatedAt: createdAt,
	}
	if v := m["result"]; v != "" {
		j.Result = []byte(v)
	}
	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FinishedAt = &t
	}
	if v := m["lease_expires_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.LeaseExpiresAt = &t
	}
	return j, nil
}
