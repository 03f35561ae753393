package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/id"
)

// RegisterRule persists a new schedule rule. The names hash provides
// duplicate detection: HSetNX fails when the name is already mapped.
func (s *Store) RegisterRule(ctx context.Context, r *cron.Rule) error {
	rID := r.ID.String()

	ok, err := s.client.HSetNX(ctx, ruleNamesKey, r.Name, rID).Result()
	if err != nil {
		return fmt.Errorf("backlog/redis: register rule name: %w", err)
	}
	if !ok {
		return backlog.ErrDuplicateRule
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, ruleKey(rID), ruleToMap(r))
	pipe.SAdd(ctx, ruleIDsKey, rID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog/redis: register rule: %w", err)
	}
	return nil
}

// GetRule retrieves a rule by ID.
func (s *Store) GetRule(ctx context.Context, ruleID id.RuleID) (*cron.Rule, error) {
	return s.getRuleByKey(ctx, ruleKey(ruleID.String()))
}

// GetRuleByName retrieves a rule by its unique name.
func (s *Store) GetRuleByName(ctx context.Context, name string) (*cron.Rule, error) {
	rID, err := s.client.HGet(ctx, ruleNamesKey, name).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, backlog.ErrRuleNotFound
		}
		return nil, fmt.Errorf("backlog/redis: get rule by name: %w", err)
	}
	return s.getRuleByKey(ctx, ruleKey(rID))
}

// ListRules returns all registered rules ordered by name.
func (s *Store) ListRules(ctx context.Context) ([]*cron.Rule, error) {
	ids, err := s.client.SMembers(ctx, ruleIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: list rules smembers: %w", err)
	}

	rules := make([]*cron.Rule, 0, len(ids))
	for _, rID := range ids {
		r, getErr := s.getRuleByKey(ctx, ruleKey(rID))
		if getErr != nil {
			continue // skip missing
		}
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, k int) bool { return rules[i].Name < rules[k].Name })
	return rules, nil
}

// UpdateRule replaces a rule's mutable fields. Renames remap the names
// hash.
func (s *Store) UpdateRule(ctx context.Context, r *cron.Rule) error {
	rID := r.ID.String()
	existing, err := s.getRuleByKey(ctx, ruleKey(rID))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	if existing.Name != r.Name {
		pipe.HDel(ctx, ruleNamesKey, existing.Name)
		pipe.HSet(ctx, ruleNamesKey, r.Name, rID)
	}
	pipe.HSet(ctx, ruleKey(rID), ruleToMap(r))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog/redis: update rule: %w", err)
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (s *Store) DeleteRule(ctx context.Context, ruleID id.RuleID) error {
	rID := ruleID.String()
	r, err := s.getRuleByKey(ctx, ruleKey(rID))
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ruleKey(rID))
	pipe.SRem(ctx, ruleIDsKey, rID)
	pipe.HDel(ctx, ruleNamesKey, r.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("backlog/redis: delete rule: %w", err)
	}
	return nil
}

// UpdateRuleFired advances a rule's firing bookkeeping after a
// successful enqueue.
func (s *Store) UpdateRuleFired(ctx context.Context, ruleID id.RuleID, firedAt, nextRunAt time.Time) error {
	key := ruleKey(ruleID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("backlog/redis: update rule fired: %w", err)
	}
	if exists == 0 {
		return backlog.ErrRuleNotFound
	}

	_, err = s.client.HSet(ctx, key,
		"last_fired_at", firedAt.Format(time.RFC3339Nano),
		"next_run_at", nextRunAt.Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return fmt.Errorf("backlog/redis: update rule fired: %w", err)
	}
	return nil
}

// ── helpers ──

func ruleToMap(r *cron.Rule) map[string]interface{} {
	m := map[string]interface{}{
		"id":         r.ID.String(),
		"name":       r.Name,
		"schedule":   r.Schedule,
		"queue":      r.Queue,
		"type":       r.Type,
		"payload":    string(r.Payload),
		"enabled":    strconv.FormatBool(r.Enabled),
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
	}
	m["last_fired_at"] = ""
	if r.LastFiredAt != nil {
		m["last_fired_at"] = r.LastFiredAt.Format(time.RFC3339Nano)
	}
	m["next_run_at"] = ""
	if r.NextRunAt != nil {
		m["next_run_at"] = r.NextRunAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getRuleByKey(ctx context.Context, key string) (*cron.Rule, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: get rule: %w", err)
	}
	if len(vals) == 0 {
		return nil, backlog.ErrRuleNotFound
	}
	return mapToRule(vals)
}

func mapToRule(m map[string]string) (*cron.Rule, error) {
	rID, err := id.ParseRuleID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("backlog/redis: parse rule id: %w", err)
	}

	enabled, _ := strconv.ParseBool(m["enabled"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	r := &cron.Rule{
		ID:        rID,
		Name:      m["name"],
		Schedule:  m["schedule"],
		Queue:     m["queue"],
		Type:      m["type"],
		Payload:   []byte(m["payload"]),
		Enabled:   enabled,
		CreatedAt: createdAt,
	}
	if v := m["last_fired_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		r.LastFiredAt = &t
	}
	if v := m["next_run_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		r.NextRunAt = &t
	}
	return r, nil
}
