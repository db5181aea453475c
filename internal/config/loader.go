package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ALGOBOT_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ALGOBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "ALGOBOT_MODE")
	setStr(&cfg.LogLevel, "ALGOBOT_LOG_LEVEL")
	setStr(&cfg.Log.File, "ALGOBOT_LOG_FILE")

	// ── Broker ──
	setStr(&cfg.Broker.BaseURL, "ALGOBOT_BROKER_BASE_URL")
	setStr(&cfg.Broker.APIKey, "ALGOBOT_BROKER_API_KEY")
	setStr(&cfg.Broker.APISecret, "ALGOBOT_BROKER_API_SECRET")
	setDuration(&cfg.Broker.Timeout, "ALGOBOT_BROKER_TIMEOUT")
	setStr(&cfg.Broker.QuoteUserID, "ALGOBOT_BROKER_QUOTE_USER_ID")

	// ── Feed ──
	setStr(&cfg.Feed.URL, "ALGOBOT_FEED_URL")
	setStr(&cfg.Feed.Token, "ALGOBOT_FEED_TOKEN")
	setDuration(&cfg.Feed.StaleAfter, "ALGOBOT_FEED_STALE_AFTER")

	// ── Paper ──
	setFloat64(&cfg.Paper.SlippageBps, "ALGOBOT_PAPER_SLIPPAGE_BPS")
	setInt(&cfg.Paper.FillAfterPolls, "ALGOBOT_PAPER_FILL_AFTER_POLLS")

	// ── Vault ──
	setStr(&cfg.Vault.MasterPassword, "ALGOBOT_VAULT_MASTER_PASSWORD")

	// ── Database ──
	setBool(&cfg.Database.Enabled, "ALGOBOT_DATABASE_ENABLED")
	setStr(&cfg.Database.DSN, "ALGOBOT_DATABASE_DSN")
	setStr(&cfg.Database.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Database.Host, "ALGOBOT_DATABASE_HOST")
	setInt(&cfg.Database.Port, "ALGOBOT_DATABASE_PORT")
	setStr(&cfg.Database.Database, "ALGOBOT_DATABASE_NAME")
	setStr(&cfg.Database.User, "ALGOBOT_DATABASE_USER")
	setStr(&cfg.Database.Password, "ALGOBOT_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "ALGOBOT_DATABASE_SSL_MODE")
	setInt(&cfg.Database.PoolMaxConns, "ALGOBOT_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "ALGOBOT_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "ALGOBOT_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ALGOBOT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ALGOBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ALGOBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ALGOBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ALGOBOT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ALGOBOT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "ALGOBOT_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ALGOBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ALGOBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ALGOBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ALGOBOT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ALGOBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ALGOBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "ALGOBOT_S3_FORCE_PATH_STYLE")

	// ── Risk ──
	setDuration(&cfg.Risk.FlushInterval, "ALGOBOT_RISK_FLUSH_INTERVAL")
	setDuration(&cfg.Risk.DedupWindow, "ALGOBOT_RISK_DEDUP_WINDOW")
	setDuration(&cfg.Risk.EmitInterval, "ALGOBOT_RISK_EMIT_INTERVAL")
	setDuration(&cfg.Risk.RESTPollInterval, "ALGOBOT_RISK_REST_POLL_INTERVAL")
	setDuration(&cfg.Risk.StalenessThreshold, "ALGOBOT_RISK_STALENESS_THRESHOLD")
	setDuration(&cfg.Risk.HealthCheckInterval, "ALGOBOT_RISK_HEALTH_CHECK_INTERVAL")
	setDuration(&cfg.Risk.OrderPollInterval, "ALGOBOT_RISK_ORDER_POLL_INTERVAL")
	setDuration(&cfg.Risk.LockSweepInterval, "ALGOBOT_RISK_LOCK_SWEEP_INTERVAL")
	setInt(&cfg.Risk.MaxOrderRetries, "ALGOBOT_RISK_MAX_ORDER_RETRIES")
	setInt(&cfg.Risk.MaxPendingPolls, "ALGOBOT_RISK_MAX_PENDING_POLLS")
	setStr(&cfg.Risk.MarketTimezone, "ALGOBOT_RISK_MARKET_TIMEZONE")
	setStr(&cfg.Risk.SessionCron, "ALGOBOT_RISK_SESSION_CRON")
	setStr(&cfg.Risk.DailySnapshotTime, "ALGOBOT_RISK_DAILY_SNAPSHOT_TIME")
	setInt(&cfg.Risk.OrderRateLimit, "ALGOBOT_RISK_ORDER_RATE_LIMIT")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ALGOBOT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ALGOBOT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ALGOBOT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ALGOBOT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ALGOBOT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ALGOBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ALGOBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ALGOBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ALGOBOT_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
