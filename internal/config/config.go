// Package config defines the top-level configuration for algobot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // market_timezone must resolve on minimal images

	"github.com/robfig/cron/v3"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ALGOBOT_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Log      LogConfig      `toml:"log"`
	Broker   BrokerConfig   `toml:"broker"`
	Feed     FeedConfig     `toml:"feed"`
	Paper    PaperConfig    `toml:"paper"`
	Vault    VaultConfig    `toml:"vault"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Risk     RiskConfig     `toml:"risk"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
}

// LogConfig controls the optional rotating log file. Stdout logging is
// always on.
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// BrokerConfig holds the broker REST API endpoint and application keys.
type BrokerConfig struct {
	BaseURL   string   `toml:"base_url"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	Timeout   duration `toml:"timeout"`
	// QuoteUserID is the user whose session authenticates bulk quote calls.
	QuoteUserID string `toml:"quote_user_id"`
}

// FeedConfig holds the tick stream parameters.
type FeedConfig struct {
	URL          string   `toml:"url"`
	Token        string   `toml:"token"`
	StaleAfter   duration `toml:"stale_after"`
	SyncInterval duration `toml:"sync_interval"`
}

// PaperConfig tunes the simulated venue used in paper mode.
type PaperConfig struct {
	SlippageBps    float64 `toml:"slippage_bps"`
	FillAfterPolls int     `toml:"fill_after_polls"`
	// Token is handed to every user as their session in paper mode.
	Token string `toml:"token"`
}

// VaultConfig holds the master password for sealed broker sessions.
type VaultConfig struct {
	MasterPassword string `toml:"master_password"`
	// Sessions seeds user -> session token pairs into the vault at startup.
	Sessions map[string]string `toml:"sessions"`
}

// DatabaseConfig holds PostgreSQL connection parameters. When Enabled is
// false the in-memory stores are used, which only paper mode accepts.
type DatabaseConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Without Redis the event bus
// is in-process and scheduled jobs run without a distributed lock.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	KeyPrefix  string   `toml:"key_prefix"`
	PriceTTL   duration `toml:"price_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// RiskConfig holds the engine timings and scheduling.
type RiskConfig struct {
	FlushInterval       duration `toml:"flush_interval"`
	DedupWindow         duration `toml:"dedup_window"`
	EmitInterval        duration `toml:"emit_interval"`
	RESTPollInterval    duration `toml:"rest_poll_interval"`
	StalenessThreshold  duration `toml:"staleness_threshold"`
	HealthCheckInterval duration `toml:"health_check_interval"`
	OrderPollInterval   duration `toml:"order_poll_interval"`
	LockSweepInterval   duration `toml:"lock_sweep_interval"`
	MaxOrderRetries     int      `toml:"max_order_retries"`
	MaxPendingPolls     int      `toml:"max_pending_polls"`

	MarketTimezone    string `toml:"market_timezone"`
	SessionCron       string `toml:"session_cron"`
	DailySnapshotTime string `toml:"daily_snapshot_time"`

	// OrderRateLimit caps entry orders per strategy per second.
	OrderRateLimit int `toml:"order_rate_limit"`
	// FreezeQuantities maps "EXCHANGE:SYMBOL" or "EXCHANGE:PREFIX*" to the
	// exchange maximum order quantity.
	FreezeQuantities map[string]int64 `toml:"freeze_quantities"`

	// SignalStream is the bus stream signal-source strategies append to.
	SignalStream string   `toml:"signal_stream"`
	SignalMaxAge duration `toml:"signal_max_age"`
	MaxLegGap    duration `toml:"max_leg_gap"`
}

// Location resolves MarketTimezone.
func (r RiskConfig) Location() (*time.Location, error) {
	return time.LoadLocation(r.MarketTimezone)
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	// RateLimit is requests per minute per client, 0 = unlimited. Needs Redis.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Broker: BrokerConfig{
			Timeout: duration{10 * time.Second},
		},
		Feed: FeedConfig{
			StaleAfter:   duration{30 * time.Second},
			SyncInterval: duration{5 * time.Second},
		},
		Paper: PaperConfig{
			SlippageBps:    5,
			FillAfterPolls: 1,
			Token:          "paper",
		},
		Database: DatabaseConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "algobot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "algobot:",
			PriceTTL:   duration{24 * time.Hour},
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "algobot-archive",
			ForcePathStyle: true,
		},
		Risk: RiskConfig{
			FlushInterval:       duration{time.Second},
			DedupWindow:         duration{5 * time.Second},
			EmitInterval:        duration{300 * time.Millisecond},
			RESTPollInterval:    duration{5 * time.Second},
			StalenessThreshold:  duration{30 * time.Second},
			HealthCheckInterval: duration{5 * time.Second},
			OrderPollInterval:   duration{time.Second},
			LockSweepInterval:   duration{10 * time.Minute},
			MaxOrderRetries:     30,
			MarketTimezone:      "Asia/Kolkata",
			SessionCron:         "0 * 9-15 * * MON-FRI",
			DailySnapshotTime:   "15:35",
			OrderRateLimit:      10,
			FreezeQuantities:    map[string]int64{},
			SignalStream:        "signals",
			SignalMaxAge:        duration{30 * time.Second},
			MaxLegGap:           duration{2 * time.Second},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"exit_triggered", "risk_paused", "order_timeout", "order_rejected", "feed_mode_changed"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"live":  true,
	"paper": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: live, paper)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if mode == "live" {
		if c.Broker.BaseURL == "" {
			errs = append(errs, "broker: base_url is required in live mode")
		}
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			errs = append(errs, "broker: api_key and api_secret are required in live mode")
		}
		if c.Feed.URL == "" {
			errs = append(errs, "feed: url is required in live mode")
		}
		if c.Vault.MasterPassword == "" {
			errs = append(errs, "vault: master_password is required in live mode")
		}
		if !c.Database.Enabled {
			errs = append(errs, "database: must be enabled in live mode")
		}
	}
	if mode == "paper" && c.Paper.FillAfterPolls < 0 {
		errs = append(errs, "paper: fill_after_polls must be >= 0")
	}

	if c.Database.Enabled {
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	errs = append(errs, c.Risk.validate()...)

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit needs redis.enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (r RiskConfig) validate() []string {
	var errs []string
	for _, d := range []struct {
		name string
		val  duration
	}{
		{"flush_interval", r.FlushInterval},
		{"dedup_window", r.DedupWindow},
		{"emit_interval", r.EmitInterval},
		{"rest_poll_interval", r.RESTPollInterval},
		{"staleness_threshold", r.StalenessThreshold},
		{"health_check_interval", r.HealthCheckInterval},
		{"order_poll_interval", r.OrderPollInterval},
		{"lock_sweep_interval", r.LockSweepInterval},
	} {
		if d.val.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("risk: %s must be > 0", d.name))
		}
	}
	if r.MaxOrderRetries < 1 {
		errs = append(errs, "risk: max_order_retries must be >= 1")
	}
	if r.MaxPendingPolls < 0 {
		errs = append(errs, "risk: max_pending_polls must be >= 0")
	}
	if _, err := r.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("risk: market_timezone %q: %v", r.MarketTimezone, err))
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(r.SessionCron); err != nil {
		errs = append(errs, fmt.Sprintf("risk: session_cron %q: %v", r.SessionCron, err))
	}
	if _, err := time.Parse("15:04", r.DailySnapshotTime); err != nil {
		errs = append(errs, fmt.Sprintf("risk: daily_snapshot_time %q must be HH:MM", r.DailySnapshotTime))
	}
	for k, q := range r.FreezeQuantities {
		if q <= 0 {
			errs = append(errs, fmt.Sprintf("risk: freeze_quantities[%s] must be > 0", k))
		}
	}
	return errs
}
