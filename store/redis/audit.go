package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/id"
)

// AppendAudit pushes one audit entry onto the trail list. LPush keeps
// the list ordered newest first.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	if e.ID.IsNil() {
		e.ID = id.NewAuditID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("backlog/redis: marshal audit entry: %w", err)
	}
	if err := s.client.LPush(ctx, auditKey, data).Err(); err != nil {
		return fmt.Errorf("backlog/redis: append audit: %w", err)
	}
	return nil
}

// ListAudit returns audit entries, newest first.
func (s *Store) ListAudit(ctx context.Context, opts audit.ListOpts) ([]*audit.Entry, error) {
	raw, err := s.client.LRange(ctx, auditKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: list audit: %w", err)
	}

	entries := make([]*audit.Entry, 0, len(raw))
	for _, item := range raw {
		var e audit.Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("backlog/redis: unmarshal audit entry: %w", err)
		}
		if opts.Action != "" && e.Action != opts.Action {
			continue
		}
		entries = append(entries, &e)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}
