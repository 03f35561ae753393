package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/id"
)

// AppendAudit persists one audit entry. An ID and timestamp are
// assigned when the caller left them unset.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	if e.ID.IsNil() {
		e.ID = id.NewAuditID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO backlog_audit (id, actor, action, resource, resource_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID.String(), e.Actor, e.Action, e.Resource, e.ResourceID, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("backlog/postgres: append audit: %w", err)
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Entry, error) {
	query := `SELECT id, actor, action, resource, resource_id, detail, created_at
		FROM backlog_audit WHERE TRUE`
	var args []any
	if opts.Action != "" {
		args = append(args, opts.Action)
		query += fmt.Sprintf(` AND action = $%d`, len(args))
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
		return nil, fmt.Errorf("backlog/postgres: list audit: %w", err)
	}
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			auditID string
		)
		if err := rows.Scan(&auditID, &e.Actor, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("backlog/postgres: list audit scan: %w", err)
		}
		e.ID, err = id.Parse(auditID)
		if err != nil {
			return nil, fmt.Errorf("backlog/postgres: invalid audit id %q: %w", auditID, err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
