package job

import (
	"context"
	"time"

	"github.com/ledgerline/backlog/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// State filters by job state. Empty means all states.
	State State
}

// Store defines the persistence contract for jobs. All mutation of job
// state goes through these operations; no component writes job records
// directly.
//
// ClaimNext is the system's sole mandatory mutual-exclusion boundary:
// implementations must guarantee that two concurrent callers never
// receive the same job.
type Store interface {
	// EnqueueJob persists a new job in waiting state, or delayed when
	// RunAt is in the future. Returns backlog.ErrJobAlreadyExists on a
	// duplicate ID.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimNext atomically claims the eligible job with the lowest
	// priority value in the queue, ties broken by earliest CreatedAt.
	// Eligible means waiting, or delayed with RunAt reached (claim-time
	// promotion). The claimed job transitions to active with StartedAt,
	// LeaseExpiresAt, and WorkerID set. Returns (nil, nil) when the
	// queue has no eligible job — that is the normal empty signal, not
	// an error.
	ClaimNext(ctx context.Context, queue string, workerID id.WorkerID) (*Job, error)

	// CompleteJob transitions active → completed, storing the result
	// and FinishedAt. Returns backlog.ErrInvalidState if the job is not
	// active.
	CompleteJob(ctx context.Context, jobID id.JobID, result []byte) error

	// FailJob increments Attempts and records the failure reason. With
	// attempts remaining the job transitions to delayed with RunAt
	// computed from its backoff descriptor; otherwise to failed
	// (terminal) with FinishedAt. Returns the updated job.
	FailJob(ctx context.Context, jobID id.JobID, reason string) (*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs matching the given options, ordered by
	// CreatedAt descending.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// DeleteJob removes a job by ID. Active jobs cannot be deleted;
	// their lease must expire first. Returns backlog.ErrJobActive in
	// that case.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// RequeueJob administratively returns a failed job to waiting,
	// resetting Attempts to 0 while preserving payload and history.
	// Returns backlog.ErrInvalidState unless the job is failed.
	RequeueJob(ctx context.Context, jobID id.JobID) error

	// ExpireLeases applies failure accounting to every active job whose
	// LeaseExpiresAt is at or before now, exactly as FailJob would with
	// a lease-expiry reason. Returns the affected jobs in their updated
	// states.
	ExpireLeases(ctx context.Context, now time.Time) ([]*Job, error)

	// PurgeJobs removes terminal (completed/failed) jobs in the queue
	// whose FinishedAt predates olderThan. Empty queue means all
	// queues. Non-terminal jobs are never touched. Returns the number
	// of jobs removed.
	PurgeJobs(ctx context.Context, queue string, olderThan time.Time) (int64, error)
}
