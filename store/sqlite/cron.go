package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/id"
)

const ruleColumns = `id, name, schedule, queue, type, payload, enabled, last_fired_at, next_run_at, created_at`

func scanRule(row rowScanner) (*cron.Rule, error) {
	var (
		r         cron.Rule
		ruleID    string
		lastFired sql.NullInt64
		nextRun   sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&ruleID, &r.Name, &r.Schedule, &r.Queue, &r.Type, &r.Payload,
		&r.Enabled, &lastFired, &nextRun, &createdAt)
	if err != nil {
		return nil, err
	}
	r.ID, err = id.Parse(ruleID)
	if err != nil {
		return nil, fmt.Errorf("invalid rule id %q: %w", ruleID, err)
	}
	r.LastFiredAt = fromNanoPtr(lastFired)
	r.NextRunAt = fromNanoPtr(nextRun)
	r.CreatedAt = fromNano(createdAt)
	return &r, nil
}

// RegisterRule persists a new rule. Rule names are unique.
func (s *Store) RegisterRule(ctx context.Context, r *cron.Rule) error {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backlog_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Name, r.Schedule, r.Queue, r.Type, r.Payload,
		r.Enabled, toNanoPtr(r.LastFiredAt), toNanoPtr(r.NextRunAt), toNano(createdAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return backlog.ErrDuplicateRule
		}
		return fmt.Errorf("backlog/sqlite: register rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*cron.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM backlog_rules WHERE id = ?`, ruleID.String())
	r, err := scanRule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrRuleNotFound
		}
		return nil, fmt.Errorf("backlog/sqlite: get rule: %w", err)
	}
	return r, nil
}

// GetRuleByName retrieves a rule by its unique name.
func (s *Store) GetRuleByName(ctx context.Context, name string) (*cron.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM backlog_rules WHERE name = ?`, name)
	r, err := scanRule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrRuleNotFound
		}
		return nil, fmt.Errorf("backlog/sqlite: get rule by name: %w", err)
	}
	return r, nil
}

// ListRules returns all rules ordered by name.
func (s *Store) ListRules(ctx context.Context) ([]*cron.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM backlog_rules ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("backlog/sqlite: list rules: %w", err)
	}
	defer rows.Close()

	var rules []*cron.Rule
	for rows.Next() {
		r, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("backlog/sqlite: list rules scan: %w", scanErr)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule persists changes to a rule.
func (s *Store) UpdateRule(ctx context.Context, r *cron.Rule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backlog_rules
		SET schedule = ?, queue = ?, type = ?, payload = ?, enabled = ?,
		    last_fired_at = ?, next_run_at = ?
		WHERE id = ?`,
		r.Schedule, r.Queue, r.Type, r.Payload, r.Enabled,
		toNanoPtr(r.LastFiredAt), toNanoPtr(r.NextRunAt), r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("backlog/sqlite: update rule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return backlog.ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (s *Store) DeleteRule(ctx context.Context, ruleID id.RuleID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM backlog_rules WHERE id = ?`, ruleID.String())
	if err != nil {
		return fmt.Errorf("backlog/sqlite: delete rule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return backlog.ErrRuleNotFound
	}
	return nil
}

// UpdateRuleFired records a firing in one write.
func (s *Store) UpdateRuleFired(ctx context.Context, ruleID id.RuleID, firedAt, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE backlog_rules SET last_fired_at = ?, next_run_at = ? WHERE id = ?`,
		firedAt.UnixNano(), nextRunAt.UnixNano(), ruleID.String(),
	)
	if err != nil {
		return fmt.Errorf("backlog/sqlite: update rule fired: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return backlog.ErrRuleNotFound
	}
	return nil
}
