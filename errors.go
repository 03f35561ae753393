package backlog

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("backlog: no store configured")
	ErrStoreClosed      = errors.New("backlog: store closed")
	ErrStoreUnavailable = errors.New("backlog: store unavailable")

	// Not found errors.
	ErrJobNotFound   = errors.New("backlog: job not found")
	ErrRuleNotFound  = errors.New("backlog: schedule rule not found")
	ErrQueueNotFound = errors.New("backlog: queue not found")

	// Producer-side input errors. Rejected synchronously, never enqueued.
	ErrUnknownQueue   = errors.New("backlog: queue not registered")
	ErrUnknownType    = errors.New("backlog: job type not registered")
	ErrInvalidPayload = errors.New("backlog: payload not serializable")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("backlog: job already exists")
	ErrDuplicateRule    = errors.New("backlog: duplicate schedule rule")

	// State errors.
	ErrInvalidState = errors.New("backlog: invalid state transition")
	ErrJobActive    = errors.New("backlog: job is actively executing")

	// Execution errors.
	ErrLeaseExpired = errors.New("backlog: lease expired")
)
