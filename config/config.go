// Package config loads Backlog deployment configuration from YAML with
// environment-variable overrides. It covers store selection, engine
// tuning, queue declarations, and calendar rules so a host application
// can assemble an engine from one file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/ledgerline/backlog"
	"github.com/ledgerline/backlog/backoff"
	"github.com/ledgerline/backlog/queue"
)

// Store drivers accepted in the "store.driver" key.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// StoreConfig selects and parameterizes the persistence backend.
type StoreConfig struct {
	// Driver is one of memory, sqlite, postgres, redis.
	Driver string `mapstructure:"driver"`

	// DSN is the backend connection string: a file path for sqlite, a
	// connection URL for postgres, an address for redis. Unused by the
	// memory driver.
	DSN string `mapstructure:"dsn"`
}

// EngineConfig tunes the worker pool and scheduler.
type EngineConfig struct {
	DefaultConcurrency int           `mapstructure:"default_concurrency"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

// BackoffConfig mirrors backoff.Spec in file-friendly form.
type BackoffConfig struct {
	Kind string        `mapstructure:"kind"`
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// QueueConfig declares one queue.
type QueueConfig struct {
	Name               string        `mapstructure:"name"`
	MaxConcurrency     int           `mapstructure:"max_concurrency"`
	DefaultPriority    int           `mapstructure:"default_priority"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts"`
	DefaultBackoff     BackoffConfig `mapstructure:"default_backoff"`
	Lease              time.Duration `mapstructure:"lease"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateBurst          int           `mapstructure:"rate_burst"`
}

// RuleConfig declares one calendar rule.
type RuleConfig struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Queue    string `mapstructure:"queue"`
	Type     string `mapstructure:"type"`
	Payload  string `mapstructure:"payload"`
}

// File is the root of the YAML configuration.
type File struct {
	Store  StoreConfig   `mapstructure:"store"`
	Engine EngineConfig  `mapstructure:"engine"`
	Queues []QueueConfig `mapstructure:"queues"`
	Rules  []RuleConfig  `mapstructure:"rules"`
}

// Load reads the configuration file at path. Environment variables
// prefixed BACKLOG_ override file keys (BACKLOG_STORE_DRIVER, ...).
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("backlog")
	v.AutomaticEnv()

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("engine.default_concurrency", backlog.DefaultConfig().DefaultConcurrency)
	v.SetDefault("engine.poll_interval", backlog.DefaultConfig().PollInterval)
	v.SetDefault("engine.sweep_interval", backlog.DefaultConfig().SweepInterval)
	v.SetDefault("engine.tick_interval", backlog.DefaultConfig().TickInterval)
	v.SetDefault("engine.shutdown_timeout", backlog.DefaultConfig().ShutdownTimeout)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *File) validate() error {
	switch f.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis:
		if f.Store.DSN == "" {
			return fmt.Errorf("config: store driver %q requires a dsn", f.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", f.Store.Driver)
	}

	seen := make(map[string]bool, len(f.Queues))
	for _, q := range f.Queues {
		if q.Name == "" {
			return fmt.Errorf("config: queue with empty name")
		}
		if seen[q.Name] {
			return fmt.Errorf("config: duplicate queue %q", q.Name)
		}
		seen[q.Name] = true
	}

	for _, r := range f.Rules {
		if r.Name == "" || r.Schedule == "" || r.Queue == "" || r.Type == "" {
			return fmt.Errorf("config: rule %q missing name, schedule, queue, or type", r.Name)
		}
		if !seen[r.Queue] {
			return fmt.Errorf("config: rule %q references undeclared queue %q", r.Name, r.Queue)
		}
	}
	return nil
}

// EngineConfig converts the file's engine section to backlog.Config.
func (f *File) EngineConfig() backlog.Config {
	return backlog.Config{
		DefaultConcurrency: f.Engine.DefaultConcurrency,
		PollInterval:       f.Engine.PollInterval,
		SweepInterval:      f.Engine.SweepInterval,
		TickInterval:       f.Engine.TickInterval,
		ShutdownTimeout:    f.Engine.ShutdownTimeout,
	}
}

// QueueConfigs converts the file's queue section to queue.Config
// declarations.
func (f *File) QueueConfigs() []queue.Config {
	configs := make([]queue.Config, 0, len(f.Queues))
	for _, q := range f.Queues {
		configs = append(configs, queue.Config{
			Name:               q.Name,
			MaxConcurrency:     q.MaxConcurrency,
			DefaultPriority:    q.DefaultPriority,
			DefaultMaxAttempts: q.DefaultMaxAttempts,
			DefaultBackoff: backoff.Spec{
				Kind: backoff.Kind(q.DefaultBackoff.Kind),
				Base: q.DefaultBackoff.Base,
				Max:  q.DefaultBackoff.Max,
			},
			Lease:     q.Lease,
			RateLimit: q.RateLimit,
			RateBurst: q.RateBurst,
		})
	}
	return configs
}
