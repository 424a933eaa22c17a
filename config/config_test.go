package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, "postgres", cfg.Storage.Driver)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "trading_ledger", cfg.Database.DBName)
	assert.Equal(t, int32(20), cfg.Database.MaxConns)

	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 6379, cfg.Redis.Port)

	assert.Equal(t, []string{"USD", "EUR"}, cfg.Ledger.Currencies)
	assert.Equal(t, "USD", cfg.Ledger.BaseCurrency)

	assert.Equal(t, 5*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, 5, cfg.Webhook.MaxRetryAttempts)
	assert.Equal(t, []time.Duration{
		time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 24 * time.Hour,
	}, cfg.Webhook.Backoff)
	assert.False(t, cfg.Webhook.AsyncProcessing)

	tol, err := cfg.Reconcile.ToleranceDecimal()
	require.NoError(t, err)
	assert.True(t, tol.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.Window)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	content := []byte(`
server:
  port: 9090
  mode: "release"
storage:
  driver: "memory"
database:
  host: "db.example.com"
  dbname: "ledger_test"
redis:
  enabled: false
ledger:
  currencies: ["GBP"]
  base_currency: "GBP"
webhook:
  secret: "whsec_test"
  tolerance: "2m"
  max_retry_attempts: 3
  backoff: ["10s", "1m"]
reconcile:
  tolerance: "0.5"
  window: "6h"
kafka:
  enabled: true
  brokers: ["k1:9092", "k2:9092"]
log:
  level: "debug"
  pretty: true
`)
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, content, 0644))

	cfg, err := Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, "ledger_test", cfg.Database.DBName)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"GBP"}, cfg.Ledger.Currencies)
	assert.Equal(t, "whsec_test", cfg.Webhook.Secret)
	assert.Equal(t, 2*time.Minute, cfg.Webhook.Tolerance)
	assert.Equal(t, 3, cfg.Webhook.MaxRetryAttempts)
	assert.Equal(t, []time.Duration{10 * time.Second, time.Minute}, cfg.Webhook.Backoff)
	assert.Equal(t, "0.5", cfg.Reconcile.Tolerance)
	assert.Equal(t, 6*time.Hour, cfg.Reconcile.Window)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TL_SERVER_PORT", "3000")
	t.Setenv("TL_DATABASE_HOST", "env-db-host")
	t.Setenv("TL_WEBHOOK_SECRET", "env-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "env-db-host", cfg.Database.Host)
	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.Webhook.Secret = "whsec"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing secret", func(c *Config) { c.Webhook.Secret = "" }, "webhook.secret"},
		{"zero attempts", func(c *Config) { c.Webhook.MaxRetryAttempts = 0 }, "max_retry_attempts"},
		{"empty backoff", func(c *Config) { c.Webhook.Backoff = nil }, "webhook.backoff"},
		{"bad tolerance", func(c *Config) { c.Reconcile.Tolerance = "abc" }, "reconcile.tolerance"},
		{"negative tolerance", func(c *Config) { c.Reconcile.Tolerance = "-0.01" }, "reconcile.tolerance"},
		{"zero retry interval", func(c *Config) { c.Webhook.RetryInterval = 0 }, "retry_interval"},
		{"zero reconcile window", func(c *Config) { c.Reconcile.Window = 0 }, "reconcile.interval"},
		{"reconcile disabled ignores window", func(c *Config) { c.Reconcile.Enabled = false; c.Reconcile.Window = 0 }, ""},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.driver"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	dbCfg := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "ledger",
		Password: "pw",
		DBName:   "trading_ledger",
		SSLMode:  "disable",
	}

	assert.Equal(t, "postgres://ledger:pw@localhost:5432/trading_ledger?sslmode=disable", dbCfg.DSN())
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "redis.local:6380", RedisConfig{Host: "redis.local", Port: 6380}.Addr())
}
