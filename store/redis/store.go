// Package redis implements store.Store using Redis for deployments that
// already run one. Jobs are stored as Hashes, claim ordering lives in
// per-queue Sorted Sets, and active leases are tracked in a single
// Sorted Set scored by expiry.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/backlog/audit"
	"github.com/ledgerline/backlog/cron"
	"github.com/ledgerline/backlog/job"
)

// Compile-time interface checks.
var (
	_ job.Store   = (*Store)(nil)
	_ cron.Store  = (*Store)(nil)
	_ audit.Store = (*Store)(nil)
)

const defaultLease = 5 * time.Minute

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }
