package cron

import (
	"time"

	"github.com/ledgerline/backlog/id"
)

// Rule represents a recurring job schedule.
type Rule struct {
	ID       id.RuleID `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Queue    string    `json:"queue"`
	Type     string    `json:"type"`
	Payload  []byte    `json:"payload,omitempty"`
	Enabled  bool      `json:"enabled"`

	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Due reports whether the rule should fire at the given instant.
func (r *Rule) Due(now time.Time) bool {
	if !r.Enabled || r.NextRunAt == nil {
		return false
	}
	return !r.NextRunAt.After(now)
}
