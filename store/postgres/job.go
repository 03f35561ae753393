package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

const jobColumns = `id, queue, type, payload, state, priority, attempts, max_attempts,
	backoff_kind, backoff_base, backoff_max, timeout, last_error, result, worker_id,
	run_at, created_at, started_at, finished_at, lease_expires_at`

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		jobID     string
		state     string
		kind      string
		base, max int64
		timeout   int64
		workerID  *string
	)
	err := row.Scan(
		&jobID, &j.Queue, &j.Type, &j.Payload, &state, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&kind, &base, &max, &timeout, &j.LastError, &j.Result, &workerID,
		&j.RunAt, &j.CreatedAt, &j.StartedAt, &j.FinishedAt, &j.LeaseExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	if workerID != nil && *workerID != "" {
		j.WorkerID, err = id.Parse(*workerID)
		if err != nil {
			return nil, fmt.Errorf("invalid worker id %q: %w", *workerID, err)
		}
	}
	j.State = job.State(state)
	j.Backoff = backoff.Spec{Kind: backoff.Kind(kind), Base: time.Duration(base), Max: time.Duration(max)}
	j.Timeout = time.Duration(timeout)
	return &j, nil
}

func workerIDValue(w id.WorkerID) *string {
	if w.IsNil() {
		return nil
	}
	s := w.String()
	return &s
}

// EnqueueJob persists a new job. The state is derived from RunAt when
// unset.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	now := time.Now().UTC()
	createdAt := j.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	runAt := j.RunAt
	if runAt.IsZero() {
		runAt = createdAt
	}
	state := j.State
	if state == "" {
		if runAt.After(now) {
			state = job.StateDelayed
		} else {
			state = job.StateWaiting
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO backlog_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		j.ID.String(), j.Queue, j.Type, j.Payload, string(state), j.Priority, j.Attempts, j.MaxAttempts,
		string(j.Backoff.Kind), int64(j.Backoff.Base), int64(j.Backoff.Max), int64(j.Timeout),
		j.LastError, j.Result, workerIDValue(j.WorkerID),
		runAt, createdAt, j.StartedAt, j.FinishedAt, j.LeaseExpiresAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return backlog.ErrJobAlreadyExists
		}
		return fmt.Errorf("backlog/postgres: enqueue job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the next eligible job using FOR UPDATE
// SKIP LOCKED, so concurrent workers never block on or double-claim the
// same row.
func (s *Store) ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE backlog_jobs
		SET state = 'active',
		    worker_id = $1,
		    started_at = NOW(),
		    lease_expires_at = NOW() + make_interval(secs =>
		        (CASE WHEN timeout > 0 THEN timeout ELSE $2 END)::double precision / 1e9)
		WHERE id = (
			SELECT id FROM backlog_jobs
			WHERE queue = $3
			  AND (state = 'waiting' OR (state = 'delayed' AND run_at <= NOW()))
			ORDER BY priority ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID.String(), int64(defaultLease), queue,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backlog/postgres: claim next: %w", err)
	}
	return j, nil
}

// CompleteJob transitions active → completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, result []byte) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backlog_jobs
		SET state = 'completed', result = $1, finished_at = NOW(), lease_expires_at = NULL
		WHERE id = $2 AND state = 'active'`,
		result, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("backlog/postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobStateError(ctx, jobID)
	}
	return nil
}

// jobStateError distinguishes "not found" from "wrong state" after a
// guarded UPDATE matched nothing.
func (s *Store) jobStateError(ctx context.Context, jobID id.JobID) error {
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM backlog_jobs WHERE id = $1`, jobID.String()).Scan(&state)
	if isNoRows(err) {
		return backlog.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("backlog/postgres: inspect job state: %w", err)
	}
	return backlog.ErrInvalidState
}

// FailJob applies failure accounting in a transaction: the row is
// locked, the new attempt count decides between a delayed retry and a
// terminal failure, and the backoff delay comes from the persisted
// descriptor.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, reason string) (*job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("backlog/postgres: begin fail job: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM backlog_jobs WHERE id = $1 FOR UPDATE`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrJobNotFound
		}
		return nil, fmt.Errorf("backlog/postgres: fail job: %w", err)
	}
	if j.State != job.StateActive {
		return nil, backlog.ErrInvalidState
	}

	applyFailure(j, reason, time.Now().UTC())

	if err := updateJobTx(ctx, tx, j); err != nil {
		return nil, fmt.Errorf("backlog/postgres: fail job update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("backlog/postgres: fail job commit: %w", err)
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

func updateJobTx(ctx context.Context, tx pgx.Tx, j *job.Job) error {
	_, err := tx.Exec(ctx, `
		UPDATE backlog_jobs
		SET state = $1, attempts = $2, last_error = $3, worker_id = $4,
		    run_at = $5, started_at = $6, finished_at = $7, lease_expires_at = $8
		WHERE id = $9`,
		string(j.State), j.Attempts, j.LastError, workerIDValue(j.WorkerID),
		j.RunAt, j.StartedAt, j.FinishedAt, j.LeaseExpiresAt,
		j.ID.String(),
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM backlog_jobs WHERE id = $1`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrJobNotFound
		}
		return nil, fmt.Errorf("backlog/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM backlog_jobs WHERE TRUE`
	var args []any
	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(` AND queue = $%d`, len(args))
	}
	if opts.State != "" {
		args = append(args, string(opts.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("backlog/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("backlog/postgres: list jobs scan: %w", scanErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM backlog_jobs WHERE TRUE`
	var args []any
	if opts.Queue != "" {
		args = append(args, opts.Queue)
		query += fmt.Sprintf(` AND queue = $%d`, len(args))
	}
	if opts.State != "" {
		args = append(args, string(opts.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("backlog/postgres: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a job by ID. Active jobs cannot be deleted.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backlog_jobs WHERE id = $1 AND state != 'active'`, jobID.String())
	if err != nil {
		return fmt.Errorf("backlog/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		stateErr := s.jobStateError(ctx, jobID)
		if errors.Is(stateErr, backlog.ErrInvalidState) {
			return backlog.ErrJobActive
		}
		return stateErr
	}
	return nil
}

// RequeueJob returns a failed job to waiting with a fresh attempt
// budget.
func (s *Store) RequeueJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backlog_jobs
		SET state = 'waiting', attempts = 0, run_at = NOW(),
		    worker_id = NULL, started_at = NULL, finished_at = NULL, lease_expires_at = NULL
		WHERE id = $1 AND state = 'failed'`,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("backlog/postgres: requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.jobStateError(ctx, jobID)
	}
	return nil
}

// ExpireLeases applies failure accounting to every active job whose
// lease deadline has passed. Rows are locked with SKIP LOCKED so
// overlapping sweeps from multiple processes never double-account an
// expiry.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]*job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("backlog/postgres: begin expire leases: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+jobColumns+` FROM backlog_jobs
		WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1
		FOR UPDATE SKIP LOCKED`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("backlog/postgres: expire leases: %w", err)
	}

	var expired []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("backlog/postgres: expire leases scan: %w", scanErr)
		}
		expired = append(expired, j)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, j := range expired {
		applyFailure(j, backlog.ErrLeaseExpired.Error(), now)
		if err := updateJobTx(ctx, tx, j); err != nil {
			return nil, fmt.Errorf("backlog/postgres: expire leases update: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("backlog/postgres: expire leases commit: %w", err)
	}
	return expired, nil
}

// PurgeJobs removes terminal jobs whose FinishedAt predates olderThan.
func (s *Store) PurgeJobs(ctx context.Context, queue string, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM backlog_jobs
		WHERE state IN ('completed', 'failed')
		  AND finished_at IS NOT NULL AND finished_at < $1`
	args := []any{olderThan}
	if queue != "" {
		args = append(args, queue)
		query += fmt.Sprintf(` AND queue = $%d`, len(args))
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("backlog/postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
