package audit

import "context"

// ListOpts controls pagination for audit trail queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Action filters by action name. Empty means all actions.
	Action string
}

// Store defines the persistence contract for the audit trail.
type Store interface {
	// AppendAudit adds an entry to the trail. Entries are never
	// updated or deleted individually.
	AppendAudit(ctx context.Context, e *Entry) error

	// ListAudit returns entries matching the given options, newest
	// first.
	ListAudit(ctx context.Context, opts ListOpts) ([]*Entry, error)
}
