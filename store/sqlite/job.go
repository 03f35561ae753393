package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/id"
	"github.com/ledgerline/backlog/job"
)

const jobColumns = `id, queue, type, payload, state, priority, attempts, max_attempts,
	backoff_kind, backoff_base, backoff_max, timeout, last_error, result, worker_id,
	run_at, created_at, started_at, finished_at, lease_expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		jobID       string
		state       string
		kind        string
		base, max   int64
		timeout     int64
		result      []byte
		workerID    sql.NullString
		runAt       int64
		createdAt   int64
		startedAt   sql.NullInt64
		finishedAt  sql.NullInt64
		leaseExpiry sql.NullInt64
	)
	err := row.Scan(
		&jobID, &j.Queue, &j.Type, &j.Payload, &state, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&kind, &base, &max, &timeout, &j.LastError, &result, &workerID,
		&runAt, &createdAt, &startedAt, &finishedAt, &leaseExpiry,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = id.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
	}
	if workerID.Valid && workerID.String != "" {
		j.WorkerID, err = id.Parse(workerID.String)
		if err != nil {
			return nil, fmt.Errorf("invalid worker id %q: %w", workerID.String, err)
		}
	}
	j.State = job.State(state)
	j.Backoff = backoff.Spec{Kind: backoff.Kind(kind), Base: time.Duration(base), Max: time.Duration(max)}
	j.Timeout = time.Duration(timeout)
	j.Result = result
	j.RunAt = fromNano(runAt)
	j.CreatedAt = fromNano(createdAt)
	j.StartedAt = fromNanoPtr(startedAt)
	j.FinishedAt = fromNanoPtr(finishedAt)
	j.LeaseExpiresAt = fromNanoPtr(leaseExpiry)
	return &j, nil
}

func workerIDValue(w id.WorkerID) sql.NullString {
	if w.IsNil() {
		return sql.NullString{}
	}
	return sql.NullString{String: w.String(), Valid: true}
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backlog_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.Queue, j.Type, j.Payload, string(state), j.Priority, j.Attempts, j.MaxAttempts,
		string(j.Backoff.Kind), int64(j.Backoff.Base), int64(j.Backoff.Max), int64(j.Timeout),
		j.LastError, j.Result, workerIDValue(j.WorkerID),
		toNano(runAt), toNano(createdAt), toNanoPtr(j.StartedAt), toNanoPtr(j.FinishedAt), toNanoPtr(j.LeaseExpiresAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return backlog.ErrJobAlreadyExists
		}
		return fmt.Errorf("backlog/sqlite: enqueue job: %w", err)
	}
	return nil
}

// ClaimNext atomically claims the next eligible job. SQLite serializes
// writers, so a single UPDATE with a subquery is race-free. The lease
// deadline is computed in SQL from the job's own timeout.
func (s *Store) ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*job.Job, error) {
	now := time.Now().UTC().UnixNano()

	row := s.db.QueryRowContext(ctx, `
		UPDATE backlog_jobs
		SET state = 'active',
		    worker_id = ?,
		    started_at = ?,
		    lease_expires_at = ? + CASE WHEN timeout > 0 THEN timeout ELSE ? END
		WHERE id = (
			SELECT id FROM backlog_jobs
			WHERE queue = ?
			  AND (state = 'waiting' OR (state = 'delayed' AND run_at <= ?))
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workerID.String(), now, now, int64(defaultLease), queue, now,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backlog/sqlite: claim next: %w", err)
	}
	return j, nil
}

// CompleteJob transitions active → completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, result []byte) error {
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE backlog_jobs
		SET state = 'completed', result = ?, finished_at = ?, lease_expires_at = NULL
		WHERE id = ? AND state = 'active'`,
		result, now, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("backlog/sqlite: complete job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.jobStateError(ctx, jobID)
	}
	return nil
}

// jobStateError distinguishes "not found" from "wrong state" after a
// guarded UPDATE matched nothing.
func (s *Store) jobStateError(ctx context.Context, jobID id.JobID) error {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM backlog_jobs WHERE id = ?`, jobID.String()).Scan(&state)
	if isNoRows(err) {
		return backlog.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("backlog/sqlite: inspect job state: %w", err)
	}
	return backlog.ErrInvalidState
}

// FailJob applies failure accounting in a transaction: the backoff
// delay depends on the persisted descriptor and the new attempt count.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, reason string) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("backlog/sqlite: begin fail job: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM backlog_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrJobNotFound
		}
		return nil, fmt.Errorf("backlog/sqlite: fail job: %w", err)
	}
	if j.State != job.StateActive {
		return nil, backlog.ErrInvalidState
	}

	applyFailure(j, reason, time.Now().UTC())

	if err := updateJobTx(ctx, tx, j); err != nil {
		return nil, fmt.Errorf("backlog/sqlite: fail job update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("backlog/sqlite: fail job commit: %w", err)
	}
	return j, nil
}

// applyFailure mutates j with the shared retry accounting. FailJob and
// ExpireLeases both route through it.
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

func updateJobTx(ctx context.Context, tx *sql.Tx, j *job.Job) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE backlog_jobs
		SET state = ?, attempts = ?, last_error = ?, worker_id = ?,
		    run_at = ?, started_at = ?, finished_at = ?, lease_expires_at = ?
		WHERE id = ?`,
		string(j.State), j.Attempts, j.LastError, workerIDValue(j.WorkerID),
		toNano(j.RunAt), toNanoPtr(j.StartedAt), toNanoPtr(j.FinishedAt), toNanoPtr(j.LeaseExpiresAt),
		j.ID.String(),
	)
	return err
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM backlog_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrJobNotFound
		}
		return nil, fmt.Errorf("backlog/sqlite: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM backlog_jobs WHERE 1=1`
	var args []any
	if opts.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, opts.Queue)
	}
	if opts.State != "" {
		query += ` AND state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("backlog/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("backlog/sqlite: list jobs scan: %w", scanErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM backlog_jobs WHERE 1=1`
	var args []any
	if opts.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, opts.Queue)
	}
	if opts.State != "" {
		query += ` AND state = ?`
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("backlog/sqlite: count jobs: %w", err)
	}
	return count, nil
}

// DeleteJob removes a job by ID. Active jobs cannot be deleted.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backlog_jobs WHERE id = ? AND state != 'active'`, jobID.String())
	if err != nil {
		return fmt.Errorf("backlog/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
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
	now := time.Now().UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, `
		UPDATE backlog_jobs
		SET state = 'waiting', attempts = 0, run_at = ?,
		    worker_id = NULL, started_at = NULL, finished_at = NULL, lease_expires_at = NULL
		WHERE id = ? AND state = 'failed'`,
		now, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("backlog/sqlite: requeue job: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return s.jobStateError(ctx, jobID)
	}
	return nil
}

// ExpireLeases applies failure accounting to every active job whose
// lease deadline has passed.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) ([]*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("backlog/sqlite: begin expire leases: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM backlog_jobs
		WHERE state = 'active' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("backlog/sqlite: expire leases: %w", err)
	}

	var expired []*job.Job
	for rows.Next() {
		j, scanErr := scanJob(rows)
		if scanErr != nil {
			rows.Close()
			return nil, fmt.Errorf("backlog/sqlite: expire leases scan: %w", scanErr)
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
			return nil, fmt.Errorf("backlog/sqlite: expire leases update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("backlog/sqlite: expire leases commit: %w", err)
	}
	return expired, nil
}

// PurgeJobs removes terminal jobs whose FinishedAt predates olderThan.
func (s *Store) PurgeJobs(ctx context.Context, queue string, olderThan time.Time) (int64, error) {
	query := `
		DELETE FROM backlog_jobs
		WHERE state IN ('completed', 'failed')
		  AND finished_at IS NOT NULL AND finished_at < ?`
	args := []any{olderThan.UnixNano()}
	if queue != "" {
		query += ` AND queue = ?`
		args = append(args, queue)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("backlog/sqlite: purge jobs: %w", err)
	}
	return res.RowsAffected()
}
