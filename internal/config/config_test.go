package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/scoring"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.SQLitePath != "data/outreach.db" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Daemon.CycleInterval != 30*time.Minute || cfg.Daemon.BatchSize != 20 {
		t.Fatalf("unexpected daemon defaults: %+v", cfg.Daemon)
	}
	if cfg.QualificationThreshold != 50 {
		t.Fatalf("expected threshold 50, got %v", cfg.QualificationThreshold)
	}
	if len(cfg.Actions) != 4 {
		t.Fatalf("expected four action kinds, got %d", len(cfg.Actions))
	}
	msg := cfg.Actions["message"]
	if msg.MaxPerHour != 5 || msg.BaseDelay != time.Minute || msg.MaxRetries != 2 {
		t.Fatalf("unexpected message defaults: %+v", msg)
	}
	if got := cfg.Scoring.Weights["liquidity"]; got != 0.30 {
		t.Fatalf("expected liquidity weight 0.30, got %v", got)
	}
	if len(cfg.RateLimits.MaturityBuckets) != 3 {
		t.Fatalf("expected three maturity buckets, got %+v", cfg.RateLimits.MaturityBuckets)
	}
	if cfg.Collaborator.Mode != ModeDryRun || cfg.Collaborator.MessageTemplate == "" {
		t.Fatalf("unexpected collaborator defaults: %+v", cfg.Collaborator)
	}
	if cfg.Feed.DEXScreener.RetryMax != 3 {
		t.Fatalf("expected three feed retries, got %d", cfg.Feed.DEXScreener.RetryMax)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
store:
  driver: memory
daemon:
  active_hours: {start: 22, end: 6, timezone: America/New_York}
  cycle_interval: 10m
  max_actions_per_session: 15
  kinds: [enrich, join]
qualification_threshold: 65
scoring:
  weights: {liquidity: 0.5, volume: 0.5}
actions:
  join: {max_per_hour: 3, max_per_day: 12, base_delay: 45s, backoff_factor: 1.5, max_retries: 4, max_delay: 1h}
rate_limits:
  seed: 42
  maturity_buckets:
    - {max_age_days: 14, multiplier: 2.5}
collaborator:
  mode: http
  base_url: http://collab.local
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Store.Driver != DriverMemory {
		t.Fatalf("expected memory driver, got %q", cfg.Store.Driver)
	}
	if got := cfg.Scoring.Weights["liquidity"]; got != 0.5 {
		t.Fatalf("expected liquidity weight override, got %v", got)
	}
	if len(cfg.Scoring.Weights) != 2 {
		t.Fatalf("expected only the configured factors, got %v", cfg.Scoring.Weights)
	}
	if _, err := scoring.New(cfg.ScoringConfig()); err != nil {
		t.Fatalf("scoring.New() with partial weights error = %v", err)
	}

	dc, err := cfg.DaemonConfig()
	if err != nil {
		t.Fatalf("DaemonConfig() error = %v", err)
	}
	if dc.ActiveHours.Start != 22 || dc.ActiveHours.End != 6 || dc.ActiveHours.Location.String() != "America/New_York" {
		t.Fatalf("unexpected active hours: %+v", dc.ActiveHours)
	}
	if dc.CycleInterval != 10*time.Minute || dc.MaxActionsPerSession != 15 {
		t.Fatalf("unexpected daemon config: %+v", dc)
	}
	if len(dc.Kinds) != 2 || dc.Kinds[1] != outreach.KindJoin {
		t.Fatalf("unexpected kinds: %v", dc.Kinds)
	}

	rl, err := cfg.RateLimitConfig()
	if err != nil {
		t.Fatalf("RateLimitConfig() error = %v", err)
	}
	join := rl.Kinds[outreach.KindJoin]
	if join.MaxPerHour != 3 || join.BaseDelay != 45*time.Second || join.MaxDelay != time.Hour {
		t.Fatalf("unexpected join limits: %+v", join)
	}
	if rl.Seed != 42 || len(rl.Buckets) != 1 || rl.Buckets[0].MaxAge != 14*24*time.Hour {
		t.Fatalf("unexpected limiter config: %+v", rl)
	}
	if rl.AccountAge != 30*24*time.Hour {
		t.Fatalf("expected default account age, got %v", rl.AccountAge)
	}

	rules := cfg.Rules(nil)
	if rules.Threshold != 65 || rules.MaxAttempts[outreach.KindJoin] != 5 {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}

func TestMaxAttemptsWithoutRetries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
actions:
  message: {max_retries: 0}
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	attempts := cfg.MaxAttempts()
	if got, ok := attempts[outreach.KindMessage]; !ok || got != 1 {
		t.Fatalf("expected a single message attempt, got %d (present=%v)", got, ok)
	}
	if got := attempts[outreach.KindJoin]; got != 4 {
		t.Fatalf("expected default join ceiling of 4, got %d", got)
	}
}

func TestLoadDefaultWeightsWhenUnset(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Scoring.Weights) != 5 {
		t.Fatalf("expected the stock weight set, got %v", cfg.Scoring.Weights)
	}
	if _, err := scoring.New(cfg.ScoringConfig()); err != nil {
		t.Fatalf("scoring.New() error = %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OUTREACH_DAEMON_BATCH_SIZE", "7")
	t.Setenv("OUTREACH_STORE_DRIVER", "memory")
	t.Setenv("OUTREACH_FEED_DEXSCREENER_CHAIN", "base")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Daemon.BatchSize != 7 {
		t.Fatalf("expected batch size 7 from env, got %d", cfg.Daemon.BatchSize)
	}
	if cfg.Store.Driver != DriverMemory {
		t.Fatalf("expected memory driver from env, got %q", cfg.Store.Driver)
	}
	if cfg.Feed.DEXScreener.Chain != "base" {
		t.Fatalf("expected chain from env, got %q", cfg.Feed.DEXScreener.Chain)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port",
		},
		{
			name:   "auth missing api key",
			mutate: func(c *Config) { c.Auth.Enabled = true },
			want:   "auth.api_key",
		},
		{
			name:   "unknown driver",
			mutate: func(c *Config) { c.Store.Driver = "mongo" },
			want:   "store.driver",
		},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.Store.Driver = DriverPostgres },
			want:   "store.postgres.dsn",
		},
		{
			name:   "bad timezone",
			mutate: func(c *Config) { c.Daemon.ActiveHours.Timezone = "Mars/Olympus" },
			want:   "daemon.active_hours.timezone",
		},
		{
			name:   "hour out of range",
			mutate: func(c *Config) { c.Daemon.ActiveHours.Start = 24 },
			want:   "daemon.active_hours",
		},
		{
			name:   "unknown kind",
			mutate: func(c *Config) { c.Daemon.Kinds = []string{"follow"} },
			want:   "daemon.kinds",
		},
		{
			name:   "threshold out of range",
			mutate: func(c *Config) { c.QualificationThreshold = 120 },
			want:   "qualification_threshold",
		},
		{
			name:   "jitter out of range",
			mutate: func(c *Config) { c.RateLimits.JitterFraction = 1 },
			want:   "rate_limits.jitter_fraction",
		},
		{
			name: "unknown action section",
			mutate: func(c *Config) {
				c.Actions = map[string]ActionConfig{"follow": {MaxPerHour: 1}}
			},
			want: "actions.follow",
		},
		{
			name: "http collaborator without url",
			mutate: func(c *Config) {
				c.Collaborator.Mode = ModeHTTP
			},
			want: "collaborator.base_url",
		},
		{
			name: "negative action retries",
			mutate: func(c *Config) {
				c.Actions = map[string]ActionConfig{"message": {MaxRetries: -1}}
			},
			want: "actions.message.max_retries",
		},
		{
			name:   "negative feed retries",
			mutate: func(c *Config) { c.Feed.DEXScreener.RetryMax = -1 },
			want:   "feed.dexscreener.retry_max",
		},
		{
			name:   "pubsub half configured",
			mutate: func(c *Config) { c.PubSub.Topic = "outcomes" },
			want:   "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Daemon.Kinds = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
