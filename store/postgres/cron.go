package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/id"
)

const ruleColumns = `id, name, schedule, queue, type, payload, enabled,
	last_fired_at, next_run_at, created_at`

func scanRule(row pgx.Row) (*cron.Rule, error) {
	var (
		r      cron.Rule
		ruleID string
	)
	err := row.Scan(
		&ruleID, &r.Name, &r.Schedule, &r.Queue, &r.Type, &r.Payload, &r.Enabled,
		&r.LastFiredAt, &r.NextRunAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.ID, err = id.Parse(ruleID)
	if err != nil {
		return nil, fmt.Errorf("invalid rule id %q: %w", ruleID, err)
	}
	return &r, nil
}

// RegisterRule persists a new schedule rule. Rule names are unique.
func (s *Store) RegisterRule(ctx context.Context, r *cron.Rule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backlog_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID.String(), r.Name, r.Schedule, r.Queue, r.Type, r.Payload, r.Enabled,
		r.LastFiredAt, r.NextRunAt, r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return backlog.ErrDuplicateRule
		}
		return fmt.Errorf("backlog/postgres: register rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*cron.Rule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM backlog_rules WHERE id = $1`, ruleID.String())
	r, err := scanRule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrRuleNotFound
		}
		return nil, fmt.Errorf("backlog/postgres: get rule: %w", err)
	}
	return r, nil
}

// GetRuleByName retrieves a rule by its unique name.
func (s *Store) GetRuleByName(ctx context.Context, name string) (*cron.Rule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM backlog_rules WHERE name = $1`, name)
	r, err := scanRule(row)
	if err != nil {
		if isNoRows(err) {
			return nil, backlog.ErrRuleNotFound
		}
		return nil, fmt.Errorf("backlog/postgres: get rule by name: %w", err)
	}
	return r, nil
}

// ListRules returns all registered rules ordered by name.
func (s *Store) ListRules(ctx context.Context) ([]*cron.Rule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM backlog_rules ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("backlog/postgres: list rules: %w", err)
	}
	defer rows.Close()

	var rules []*cron.Rule
	for rows.Next() {
		r, scanErr := scanRule(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("backlog/postgres: list rules scan: %w", scanErr)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// UpdateRule replaces a rule's mutable fields.
func (s *Store) UpdateRule(ctx context.Context, r *cron.Rule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backlog_rules
		SET name = $1, schedule = $2, queue = $3, type = $4, payload = $5,
		    enabled = $6, last_fired_at = $7, next_run_at = $8
		WHERE id = $9`,
		r.Name, r.Schedule, r.Queue, r.Type, r.Payload,
		r.Enabled, r.LastFiredAt, r.NextRunAt,
		r.ID.String(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return backlog.ErrDuplicateRule
		}
		return fmt.Errorf("backlog/postgres: update rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backlog.ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (s *Store) DeleteRule(ctx context.Context, ruleID id.RuleID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backlog_rules WHERE id = $1`, ruleID.String())
	if err != nil {
		return fmt.Errorf("backlog/postgres: delete rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backlog.ErrRuleNotFound
	}
	return nil
}

// UpdateRuleFired advances a rule's firing bookkeeping after a
// successful enqueue.
func (s *Store) UpdateRuleFired(ctx context.Context, ruleID id.RuleID, firedAt, nextRunAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE backlog_rules SET last_fired_at = $1, next_run_at = $2 WHERE id = $3`,
		firedAt, nextRunAt, ruleID.String(),
	)
	if err != nil {
		return fmt.Errorf("backlog/postgres: update rule fired: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return backlog.ErrRuleNotFound
	}
	return nil
}
