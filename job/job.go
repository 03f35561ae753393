package job

import (
	"time"

	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is eligible to be claimed by a worker.
	StateWaiting State = "waiting"
	// StateDelayed means the job becomes eligible once RunAt is reached.
	StateDelayed State = "delayed"
	// StateActive means a worker is currently executing the job.
	StateActive State = "active"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its attempts and is parked
	// for manual inspection.
	StateFailed State = "failed"
)

// Terminal reports whether no further automatic transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Job represents a unit of work to be processed by a worker.
// The payload is immutable after creation; all other mutation goes
// through the store's defined operations.
type Job struct {
	ID          id.JobID      `json:"id"`
	Queue       string        `json:"queue"`
	Type        string        `json:"type"`
	Payload     []byte        `json:"payload"`
	State       State         `json:"state"`
	Priority    int           `json:"priority"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	Backoff     backoff.Spec  `json:"backoff"`
	Timeout     time.Duration `json:"timeout"`
	LastError   string        `json:"last_error,omitempty"`
	Result      []byte        `json:"result,omitempty"`
	WorkerID    id.WorkerID   `json:"worker_id,omitempty"`

	RunAt          time.Time  `json:"run_at"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Eligible reports whether the job may be claimed at the given instant:
// waiting, or delayed with RunAt reached.
func (j *Job) Eligible(now time.Time) bool {
	switch j.State {
	case StateWaiting:
		return true
	case StateDelayed:
		return !j.RunAt.After(now)
	}
	return false
}
