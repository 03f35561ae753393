package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ledgerline/backlog/backoff"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backlog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
store:
  driver: sqlite
  dsn: /var/lib/backlog/backlog.db
engine:
  default_concurrency: 8
  poll_interval: 250ms
queues:
  - name: invoices
    max_concurrency: 4
    default_max_attempts: 5
    default_backoff:
      kind: exponential
      base: 2s
      max: 5m
    lease: 10m
  - name: reports
    rate_limit: 2.5
    rate_burst: 5
rules:
  - name: weekly-reminders
    schedule: "0 9 * * 1"
    queue: invoices
    type: invoice.remind
    payload: '{"days":7}'
`)

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if f.Store.Driver != DriverSQLite || f.Store.DSN != "/var/lib/backlog/backlog.db" {
		t.Fatalf("store = %+v", f.Store)
	}

	cfg := f.EngineConfig()
	if cfg.DefaultConcurrency != 8 || cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("engine = %+v", cfg)
	}
	// Unset keys keep package defaults.
	if cfg.SweepInterval != 5*time.Second {
		t.Fatalf("sweep interval = %v, want default 5s", cfg.SweepInterval)
	}

	queues := f.QueueConfigs()
	if len(queues) != 2 {
		t.Fatalf("got %d queues, want 2", len(queues))
	}
	inv := queues[0]
	if inv.Name != "invoices" || inv.DefaultMaxAttempts != 5 || inv.Lease != 10*time.Minute {
		t.Fatalf("invoices = %+v", inv)
	}
	if inv.DefaultBackoff.Kind != backoff.KindExponential || inv.DefaultBackoff.Base != 2*time.Second {
		t.Fatalf("invoices backoff = %+v", inv.DefaultBackoff)
	}
	if queues[1].RateLimit != 2.5 || queues[1].RateBurst != 5 {
		t.Fatalf("reports = %+v", queues[1])
	}

	if len(f.Rules) != 1 || f.Rules[0].Schedule != "0 9 * * 1" {
		t.Fatalf("rules = %+v", f.Rules)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "store:\n  driver: cassandra\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "unknown store driver") {
		t.Fatalf("got %v, want unknown store driver error", err)
	}
}

func TestLoadRequiresDSN(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "store:\n  driver: postgres\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "requires a dsn") {
		t.Fatalf("got %v, want dsn error", err)
	}
}

func TestLoadRejectsRuleWithUnknownQueue(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
queues:
  - name: invoices
rules:
  - name: nightly
    schedule: "@daily"
    queue: reports
    type: report.build
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "undeclared queue") {
		t.Fatalf("got %v, want undeclared queue error", err)
	}
}

func TestLoadRejectsDuplicateQueue(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "queues:\n  - name: invoices\n  - name: invoices\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate queue") {
		t.Fatalf("got %v, want duplicate queue error", err)
	}
}
