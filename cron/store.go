package cron

import (
	"context"
	"time"

	"github.com/ledgerline/backlog/id"
)

// Store defines the persistence contract for schedule rules.
type Store interface {
	// RegisterRule persists a new rule. Returns
	// backlog.ErrDuplicateRule if the name is already taken.
	RegisterRule(ctx context.Context, r *Rule) error

	// GetRule retrieves a rule by ID.
	GetRule(ctx context.Context, ruleID id.RuleID) (*Rule, error)

	// GetRuleByName retrieves a rule by its unique name.
	GetRuleByName(ctx context.Context, name string) (*Rule, error)

	// ListRules returns all rules.
	ListRules(ctx context.Context) ([]*Rule, error)

	// UpdateRule persists changes to a rule (Enabled, LastFiredAt,
	// NextRunAt).
	UpdateRule(ctx context.Context, r *Rule) error

	// DeleteRule removes a rule by ID.
	DeleteRule(ctx context.Context, ruleID id.RuleID) error

	// UpdateRuleFired records a firing: sets LastFiredAt and NextRunAt
	// in one write.
	UpdateRuleFired(ctx context.Context, ruleID id.RuleID, firedAt, nextRunAt time.Time) error
}
