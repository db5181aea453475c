package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Risk.FlushInterval.Duration)
	assert.Equal(t, 5*time.Second, cfg.Risk.DedupWindow.Duration)
	assert.Equal(t, 300*time.Millisecond, cfg.Risk.EmitInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Risk.StalenessThreshold.Duration)
	assert.Equal(t, 30, cfg.Risk.MaxOrderRetries)
	assert.Equal(t, 10*time.Minute, cfg.Risk.LockSweepInterval.Duration)
	assert.Equal(t, "15:35", cfg.Risk.DailySnapshotTime)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "paper"

[risk]
dedup_window = "10s"
session_cron = "0 * 9-15 * * MON-FRI"

[risk.freeze_quantities]
"NFO:NIFTY*" = 1800

[server]
port = 9100
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Risk.DedupWindow.Duration)
	assert.Equal(t, time.Second, cfg.Risk.FlushInterval.Duration, "untouched keys keep their default")
	assert.Equal(t, int64(1800), cfg.Risk.FreezeQuantities["NFO:NIFTY*"])
	assert.Equal(t, 9100, cfg.Server.Port)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ALGOBOT_SERVER_PORT", "9200")
	t.Setenv("ALGOBOT_RISK_ORDER_POLL_INTERVAL", "250ms")
	t.Setenv("ALGOBOT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ALGOBOT_REDIS_ENABLED", "not-a-bool")

	cfg, err := Load(writeConfig(t, `mode = "paper"`))
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Risk.OrderPollInterval.Duration)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Redis.Enabled, "unparseable values are ignored")
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "live"
	cfg.Risk.FlushInterval.Duration = 0
	cfg.Risk.SessionCron = "every minute"
	cfg.Risk.DailySnapshotTime = "3pm"
	cfg.Risk.MarketTimezone = "Mars/Olympus"
	cfg.Server.RateLimit = 60

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"broker: base_url",
		"feed: url",
		"vault: master_password",
		"database: must be enabled",
		"risk: flush_interval",
		"risk: session_cron",
		"risk: daily_snapshot_time",
		"risk: market_timezone",
		"server: rate_limit needs redis",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Broker.APISecret = "topsecret"
	cfg.Vault.MasterPassword = "hunter2"
	cfg.Vault.Sessions = map[string]string{"u1": "session-token"}
	cfg.Database.DSN = "postgres://u:p@db/algobot"

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Broker.APISecret)
	assert.Equal(t, "***", red.Vault.MasterPassword)
	assert.Equal(t, "***", red.Vault.Sessions["u1"])
	assert.Equal(t, "***", red.Database.DSN)
	assert.Empty(t, red.Broker.APIKey, "empty values stay empty")

	red.Server.CORSOrigins[0] = "mutated"
	assert.Equal(t, "topsecret", cfg.Broker.APISecret)
	assert.Equal(t, "session-token", cfg.Vault.Sessions["u1"])
	assert.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
