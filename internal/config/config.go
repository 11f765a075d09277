// Package config loads outreachd settings from YAML files and OUTREACH_*
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/outreach-daemon/internal/daemon"
	"github.com/JakeFAU/outreach-daemon/internal/outreach"
	"github.com/JakeFAU/outreach-daemon/internal/policy/ratelimit"
	"github.com/JakeFAU/outreach-daemon/internal/scoring"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Collaborator modes.
const (
	ModeDryRun = "dryrun"
	ModeHTTP   = "http"
)

// Config is the root configuration structure.
type Config struct {
	Logging                LoggingConfig           `mapstructure:"logging"`
	Server                 ServerConfig            `mapstructure:"server"`
	Auth                   AuthConfig              `mapstructure:"auth"`
	Store                  StoreConfig             `mapstructure:"store"`
	Daemon                 DaemonConfig            `mapstructure:"daemon"`
	QualificationThreshold float64                 `mapstructure:"qualification_threshold"`
	Scoring                ScoringConfig           `mapstructure:"scoring"`
	Account                AccountConfig           `mapstructure:"account"`
	RateLimits             RateLimitsConfig        `mapstructure:"rate_limits"`
	Actions                map[string]ActionConfig `mapstructure:"actions"`
	Feed                   FeedConfig              `mapstructure:"feed"`
	Collaborator           CollaboratorConfig      `mapstructure:"collaborator"`
	PubSub                 PubSubConfig            `mapstructure:"pubsub"`
	Export                 ExportConfig            `mapstructure:"export"`
	Telemetry              TelemetryConfig         `mapstructure:"telemetry"`
}

// LoggingConfig toggles zap presets.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls the operator API.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig holds API key settings.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects the entity store backend.
type StoreConfig struct {
	Driver     string         `mapstructure:"driver"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig captures pgx pool settings.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// ActiveHoursConfig is the daily operating window.
type ActiveHoursConfig struct {
	Start    int    `mapstructure:"start"`
	End      int    `mapstructure:"end"`
	Timezone string `mapstructure:"timezone"`
}

// DaemonConfig drives the cycle loop.
type DaemonConfig struct {
	ActiveHours          ActiveHoursConfig `mapstructure:"active_hours"`
	CycleInterval        time.Duration     `mapstructure:"cycle_interval"`
	BatchSize            int               `mapstructure:"batch_size"`
	MaxActionsPerSession int               `mapstructure:"max_actions_per_session"`
	ErrorThreshold       int               `mapstructure:"error_threshold"`
	ErrorWindow          time.Duration     `mapstructure:"error_window"`
	ErrorPause           time.Duration     `mapstructure:"error_pause"`
	ErrorRetry           time.Duration     `mapstructure:"error_retry"`
	ActionTimeout        time.Duration     `mapstructure:"action_timeout"`
	InactivePoll         time.Duration     `mapstructure:"inactive_poll"`
	Kinds                []string          `mapstructure:"kinds"`
}

// ScoringConfig holds factor weights and the market-cap band.
type ScoringConfig struct {
	Weights       map[string]float64 `mapstructure:"weights"`
	MarketCapBand BandConfig         `mapstructure:"market_cap_band"`
}

// BandConfig is an inclusive [min, max] range.
type BandConfig struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// AccountConfig describes the acting account.
type AccountConfig struct {
	AgeDays int `mapstructure:"age_days"`
}

// RateLimitsConfig holds limiter-wide settings.
type RateLimitsConfig struct {
	JitterFraction  float64                `mapstructure:"jitter_fraction"`
	Seed            uint64                 `mapstructure:"seed"`
	MaturityBuckets []MaturityBucketConfig `mapstructure:"maturity_buckets"`
}

// MaturityBucketConfig scales delays for accounts up to MaxAgeDays old.
type MaturityBucketConfig struct {
	MaxAgeDays int     `mapstructure:"max_age_days"`
	Multiplier float64 `mapstructure:"multiplier"`
}

// ActionConfig governs one action kind.
type ActionConfig struct {
	MaxPerHour    int           `mapstructure:"max_per_hour"`
	MaxPerDay     int           `mapstructure:"max_per_day"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MaxRetries    int           `mapstructure:"max_retries"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
}

// FeedConfig groups candidate sources.
type FeedConfig struct {
	DEXScreener DEXScreenerConfig `mapstructure:"dexscreener"`
}

// DEXScreenerConfig configures the DEXScreener feed and enricher.
type DEXScreenerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url"`
	Chain        string        `mapstructure:"chain"`
	RPS          float64       `mapstructure:"rps"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinLiquidity float64       `mapstructure:"min_liquidity"`
	MinVolume24h float64       `mapstructure:"min_volume_24h"`
	MaxAgeHours  float64       `mapstructure:"max_age_hours"`
	RetryMax     int           `mapstructure:"retry_max"`
}

// CollaboratorConfig selects the action collaborator.
type CollaboratorConfig struct {
	Mode            string        `mapstructure:"mode"`
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	MessageTemplate string        `mapstructure:"message_template"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// PubSubConfig enables outcome notifications when both fields are set.
type PubSubConfig struct {
	ProjectID string   `mapstructure:"project_id"`
	Topic     string   `mapstructure:"topic"`
	Outcomes  []string `mapstructure:"outcomes"`
}

// ExportConfig selects where snapshots are written.
type ExportConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Tracing     bool   `mapstructure:"tracing"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultMessageTemplate is used when collaborator.message_template is empty.
const DefaultMessageTemplate = "Hi {admin_name}, congrats on launching {project_name} (${token_symbol}). " +
	"We'd love to talk about listing and marketing support."

// Load reads configuration from the optional file path and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	// A configured weight set replaces the stock one whole.
	if len(cfg.Scoring.Weights) == 0 {
		cfg.Scoring.Weights = scoring.DefaultConfig().Weights
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "data/outreach.db")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", time.Hour)

	v.SetDefault("daemon.active_hours.start", 9)
	v.SetDefault("daemon.active_hours.end", 22)
	v.SetDefault("daemon.active_hours.timezone", "UTC")
	v.SetDefault("daemon.cycle_interval", 30*time.Minute)
	v.SetDefault("daemon.batch_size", 20)
	v.SetDefault("daemon.max_actions_per_session", 60)
	v.SetDefault("daemon.error_threshold", 5)
	v.SetDefault("daemon.error_window", 30*time.Minute)
	v.SetDefault("daemon.error_pause", time.Hour)
	v.SetDefault("daemon.error_retry", time.Minute)
	v.SetDefault("daemon.action_timeout", 45*time.Second)
	v.SetDefault("daemon.inactive_poll", 5*time.Minute)
	v.SetDefault("daemon.kinds", []string{})

	v.SetDefault("qualification_threshold", 50)
	v.SetDefault("scoring.market_cap_band.min", 10_000)
	v.SetDefault("scoring.market_cap_band.max", 10_000_000)

	v.SetDefault("account.age_days", 30)
	v.SetDefault("rate_limits.jitter_fraction", 0.1)
	v.SetDefault("rate_limits.seed", 0)
	v.SetDefault("rate_limits.maturity_buckets", []map[string]any{
		{"max_age_days": 7, "multiplier": 3.0},
		{"max_age_days": 30, "multiplier": 2.0},
		{"max_age_days": 90, "multiplier": 1.5},
	})

	setActionDefaults(v, outreach.KindEnrich, ActionConfig{
		MaxPerHour: 120, MaxPerDay: 1000, BaseDelay: 2 * time.Second,
		BackoffFactor: 0.5, MaxRetries: 5, MaxDelay: 5 * time.Minute,
	})
	setActionDefaults(v, outreach.KindJoin, ActionConfig{
		MaxPerHour: 10, MaxPerDay: 60, BaseDelay: 30 * time.Second,
		BackoffFactor: 1.0, MaxRetries: 3, MaxDelay: 30 * time.Minute,
	})
	setActionDefaults(v, outreach.KindIdentify, ActionConfig{
		MaxPerHour: 20, MaxPerDay: 120, BaseDelay: 10 * time.Second,
		BackoffFactor: 1.0, MaxRetries: 3, MaxDelay: 30 * time.Minute,
	})
	setActionDefaults(v, outreach.KindMessage, ActionConfig{
		MaxPerHour: 5, MaxPerDay: 30, BaseDelay: time.Minute,
		BackoffFactor: 2.0, MaxRetries: 2, MaxDelay: 2 * time.Hour,
	})

	v.SetDefault("feed.dexscreener.enabled", true)
	v.SetDefault("feed.dexscreener.base_url", "https://api.dexscreener.com")
	v.SetDefault("feed.dexscreener.chain", "solana")
	v.SetDefault("feed.dexscreener.rps", 2)
	v.SetDefault("feed.dexscreener.timeout", 15*time.Second)
	v.SetDefault("feed.dexscreener.min_liquidity", 5000)
	v.SetDefault("feed.dexscreener.min_volume_24h", 10_000)
	v.SetDefault("feed.dexscreener.max_age_hours", 168)
	v.SetDefault("feed.dexscreener.retry_max", 3)

	v.SetDefault("collaborator.mode", ModeDryRun)
	v.SetDefault("collaborator.base_url", "")
	v.SetDefault("collaborator.api_key", "")
	v.SetDefault("collaborator.message_template", DefaultMessageTemplate)
	v.SetDefault("collaborator.timeout", 30*time.Second)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("pubsub.outcomes", []string{})

	v.SetDefault("export.gcs_bucket", "")
	v.SetDefault("export.local_dir", "exports")
	v.SetDefault("export.prefix", "snapshots")

	v.SetDefault("telemetry.tracing", false)
	v.SetDefault("telemetry.service_name", "outreachd")
}

func setActionDefaults(v *viper.Viper, kind outreach.ActionKind, ac ActionConfig) {
	prefix := "actions." + string(kind) + "."
	v.SetDefault(prefix+"max_per_hour", ac.MaxPerHour)
	v.SetDefault(prefix+"max_per_day", ac.MaxPerDay)
	v.SetDefault(prefix+"base_delay", ac.BaseDelay)
	v.SetDefault(prefix+"backoff_factor", ac.BackoffFactor)
	v.SetDefault(prefix+"max_retries", ac.MaxRetries)
	v.SetDefault(prefix+"max_delay", ac.MaxDelay)
}

// Validate performs basic sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth.enabled is true")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver)
	}
	if _, err := c.ActiveHours(); err != nil {
		return err
	}
	if c.Daemon.BatchSize <= 0 {
		return fmt.Errorf("daemon.batch_size must be > 0")
	}
	if c.Daemon.MaxActionsPerSession < 0 {
		return fmt.Errorf("daemon.max_actions_per_session must be >= 0")
	}
	if c.Daemon.ErrorThreshold < 0 {
		return fmt.Errorf("daemon.error_threshold must be >= 0")
	}
	if _, err := c.Kinds(); err != nil {
		return err
	}
	if c.QualificationThreshold < 0 || c.QualificationThreshold > 100 {
		return fmt.Errorf("qualification_threshold must be in [0, 100]")
	}
	if c.RateLimits.JitterFraction < 0 || c.RateLimits.JitterFraction >= 1 {
		return fmt.Errorf("rate_limits.jitter_fraction must be in [0, 1)")
	}
	for name, ac := range c.Actions {
		if _, err := outreach.ParseKind(name); err != nil {
			return fmt.Errorf("actions.%s: %w", name, err)
		}
		if ac.MaxRetries < 0 {
			return fmt.Errorf("actions.%s.max_retries must be >= 0", name)
		}
	}
	if c.Feed.DEXScreener.Enabled {
		if c.Feed.DEXScreener.BaseURL == "" {
			return fmt.Errorf("feed.dexscreener.base_url is required when the feed is enabled")
		}
		if c.Feed.DEXScreener.RPS <= 0 {
			return fmt.Errorf("feed.dexscreener.rps must be > 0")
		}
		if c.Feed.DEXScreener.RetryMax < 0 {
			return fmt.Errorf("feed.dexscreener.retry_max must be >= 0")
		}
	}
	switch c.Collaborator.Mode {
	case ModeDryRun:
	case ModeHTTP:
		if c.Collaborator.BaseURL == "" {
			return fmt.Errorf("collaborator.base_url is required in http mode")
		}
	default:
		return fmt.Errorf("collaborator.mode %q is not one of dryrun, http", c.Collaborator.Mode)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	return nil
}

// Location resolves the active-hours timezone.
func (c Config) Location() (*time.Location, error) {
	tz := c.Daemon.ActiveHours.Timezone
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("daemon.active_hours.timezone: %w", err)
	}
	return loc, nil
}

// ActiveHours converts the configured window.
func (c Config) ActiveHours() (daemon.ActiveHours, error) {
	loc, err := c.Location()
	if err != nil {
		return daemon.ActiveHours{}, err
	}
	h := daemon.ActiveHours{
		Start:    c.Daemon.ActiveHours.Start,
		End:      c.Daemon.ActiveHours.End,
		Location: loc,
	}
	if err := h.Validate(); err != nil {
		return daemon.ActiveHours{}, fmt.Errorf("daemon.active_hours: %w", err)
	}
	return h, nil
}

// Kinds parses daemon.kinds. An empty list means every kind.
func (c Config) Kinds() ([]outreach.ActionKind, error) {
	if len(c.Daemon.Kinds) == 0 {
		return outreach.Kinds(), nil
	}
	kinds := make([]outreach.ActionKind, 0, len(c.Daemon.Kinds))
	for _, raw := range c.Daemon.Kinds {
		kind, err := outreach.ParseKind(raw)
		if err != nil {
			return nil, fmt.Errorf("daemon.kinds: %w", err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// DaemonConfig converts the daemon section.
func (c Config) DaemonConfig() (daemon.Config, error) {
	hours, err := c.ActiveHours()
	if err != nil {
		return daemon.Config{}, err
	}
	kinds, err := c.Kinds()
	if err != nil {
		return daemon.Config{}, err
	}
	return daemon.Config{
		ActiveHours:          hours,
		CycleInterval:        c.Daemon.CycleInterval,
		BatchSize:            c.Daemon.BatchSize,
		MaxActionsPerSession: c.Daemon.MaxActionsPerSession,
		ErrorThreshold:       c.Daemon.ErrorThreshold,
		ErrorWindow:          c.Daemon.ErrorWindow,
		ErrorPause:           c.Daemon.ErrorPause,
		ErrorRetry:           c.Daemon.ErrorRetry,
		InactivePoll:         c.Daemon.InactivePoll,
		Kinds:                kinds,
	}, nil
}

// ScoringConfig converts the scoring section.
func (c Config) ScoringConfig() scoring.Config {
	weights := make(map[string]float64, len(c.Scoring.Weights))
	for name, w := range c.Scoring.Weights {
		weights[name] = w
	}
	return scoring.Config{
		Weights:      weights,
		MarketCapMin: c.Scoring.MarketCapBand.Min,
		MarketCapMax: c.Scoring.MarketCapBand.Max,
	}
}

// RateLimitConfig converts the account, rate_limits and actions sections.
func (c Config) RateLimitConfig() (ratelimit.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return ratelimit.Config{}, err
	}
	kinds := make(map[outreach.ActionKind]ratelimit.KindConfig, len(c.Actions))
	for name, ac := range c.Actions {
		kind, err := outreach.ParseKind(name)
		if err != nil {
			return ratelimit.Config{}, fmt.Errorf("actions.%s: %w", name, err)
		}
		kinds[kind] = ratelimit.KindConfig{
			MaxPerHour:    ac.MaxPerHour,
			MaxPerDay:     ac.MaxPerDay,
			BaseDelay:     ac.BaseDelay,
			BackoffFactor: ac.BackoffFactor,
			MaxRetries:    ac.MaxRetries,
			MaxDelay:      ac.MaxDelay,
		}
	}
	buckets := make([]ratelimit.MaturityBucket, 0, len(c.RateLimits.MaturityBuckets))
	for _, b := range c.RateLimits.MaturityBuckets {
		buckets = append(buckets, ratelimit.MaturityBucket{
			MaxAge:     time.Duration(b.MaxAgeDays) * 24 * time.Hour,
			Multiplier: b.Multiplier,
		})
	}
	return ratelimit.Config{
		Kinds:          kinds,
		AccountAge:     time.Duration(c.Account.AgeDays) * 24 * time.Hour,
		Buckets:        buckets,
		JitterFraction: c.RateLimits.JitterFraction,
		Seed:           c.RateLimits.Seed,
		Location:       loc,
	}, nil
}

// MaxAttempts maps each configured kind to its retry cap plus the first try.
// max_retries: 0 allows exactly one attempt.
func (c Config) MaxAttempts() map[outreach.ActionKind]int {
	out := make(map[outreach.ActionKind]int, len(c.Actions))
	for name, ac := range c.Actions {
		kind, err := outreach.ParseKind(name)
		if err != nil {
			continue
		}
		out[kind] = ac.MaxRetries + 1
	}
	return out
}

// Rules builds the state-machine parameters around scorer.
func (c Config) Rules(scorer outreach.Scorer) outreach.Rules {
	return outreach.Rules{
		Scorer:      scorer,
		Threshold:   c.QualificationThreshold,
		MaxAttempts: c.MaxAttempts(),
	}
}
