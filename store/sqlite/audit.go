package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/id"
)

// AppendAudit adds an entry to the trail.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	entryID := e.ID
	if entryID.IsNil() {
		entryID = id.NewAuditID()
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backlog_audit (id, actor, action, resource, resource_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entryID.String(), e.Actor, e.Action, e.Resource, e.ResourceID, e.Detail, toNano(createdAt),
	)
	if err != nil {
		return fmt.Errorf("backlog/sqlite: append audit: %w", err)
	}
	return nil
}

// ListAudit returns entries matching the given options, newest first.
func (s *Store) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Entry, error) {
	query := `SELECT id, actor, action, resource, resource_id, detail, created_at
		FROM backlog_audit WHERE 1=1`
	var args []any
	if opts.Action != "" {
		query += ` AND action = ?`
		args = append(args, opts.Action)
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
		return nil, fmt.Errorf("backlog/sqlite: list audit: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e         audit.Entry
			entryID   string
			createdAt int64
		)
		if err := rows.Scan(&entryID, &e.Actor, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("backlog/sqlite: list audit scan: %w", err)
		}
		e.ID, err = id.Parse(entryID)
		if err != nil {
			return nil, fmt.Errorf("backlog/sqlite: invalid audit id %q: %w", entryID, err)
		}
		e.CreatedAt = fromNano(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
