package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Admin     AdminConfig     `mapstructure:"admin"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // postgres, memory
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

type LedgerConfig struct {
	Currencies   []string `mapstructure:"currencies"`
	BaseCurrency string   `mapstructure:"base_currency"`
}

type WebhookConfig struct {
	Secret           string          `mapstructure:"secret"`
	Tolerance        time.Duration   `mapstructure:"tolerance"`
	MaxRetryAttempts int             `mapstructure:"max_retry_attempts"`
	Backoff          []time.Duration `mapstructure:"backoff"`
	RetryInterval    time.Duration   `mapstructure:"retry_interval"`
	RetryBatchSize   int             `mapstructure:"retry_batch_size"`
	AsyncProcessing  bool            `mapstructure:"async_processing"`
	LockTTL          time.Duration   `mapstructure:"lock_ttl"`
	PendingGrace     time.Duration   `mapstructure:"pending_grace"`
	StaleAfter       time.Duration   `mapstructure:"stale_after"`
}

type ReconcileConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Tolerance  string        `mapstructure:"tolerance"` // decimal string, e.g. "0.01"
	Interval   time.Duration `mapstructure:"interval"`
	Window     time.Duration `mapstructure:"window"`
	PageSize   int           `mapstructure:"page_size"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// ToleranceDecimal parses the configured match tolerance.
func (r ReconcileConfig) ToleranceDecimal() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(r.Tolerance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing reconcile.tolerance %q: %w", r.Tolerance, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("reconcile.tolerance must not be negative")
	}
	return d, nil
}

type GatewayConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"` // empty disables operator auth
	JWTIssuer string        `mapstructure:"jwt_issuer"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type RateLimitConfig struct {
	WebhookLimit int64         `mapstructure:"webhook_limit"`
	Window       time.Duration `mapstructure:"window"`
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: TL_ (Trading Ledger).
// Nested keys use underscore: TL_DATABASE_HOST, TL_WEBHOOK_SECRET, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.auto_migrate", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "trading_ledger")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("ledger.currencies", []string{"USD", "EUR"})
	v.SetDefault("ledger.base_currency", "USD")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance", "5m")
	v.SetDefault("webhook.max_retry_attempts", 5)
	v.SetDefault("webhook.backoff", []string{"1m", "5m", "15m", "1h", "24h"})
	v.SetDefault("webhook.retry_interval", "30s")
	v.SetDefault("webhook.retry_batch_size", 50)
	v.SetDefault("webhook.async_processing", false)
	v.SetDefault("webhook.lock_ttl", "30s")
	v.SetDefault("webhook.pending_grace", "10s")
	v.SetDefault("webhook.stale_after", "10m")
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.tolerance", "0.01")
	v.SetDefault("reconcile.interval", "24h")
	v.SetDefault("reconcile.window", "24h")
	v.SetDefault("reconcile.page_size", 100)
	v.SetDefault("reconcile.run_timeout", "5m")
	v.SetDefault("gateway.base_url", "http://localhost:9090")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.timeout", "15s")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "ledger.events")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.jwt_issuer", "trading-ledger")
	v.SetDefault("admin.jwt_expiry", "12h")
	v.SetDefault("ratelimit.webhook_limit", 600)
	v.SetDefault("ratelimit.window", "1m")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// TL_WEBHOOK_SECRET -> webhook.secret
	v.SetEnvPrefix("TL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings the ledger cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Webhook.Secret == "" {
		errs = append(errs, errors.New("webhook.secret is required"))
	}
	if c.Webhook.MaxRetryAttempts < 1 {
		errs = append(errs, errors.New("webhook.max_retry_attempts must be at least 1"))
	}
	if len(c.Webhook.Backoff) == 0 {
		errs = append(errs, errors.New("webhook.backoff must list at least one delay"))
	}
	if c.Webhook.Tolerance <= 0 {
		errs = append(errs, errors.New("webhook.tolerance must be positive"))
	}
	if c.Webhook.RetryInterval <= 0 {
		errs = append(errs, errors.New("webhook.retry_interval must be positive"))
	}
	if _, err := c.Reconcile.ToleranceDecimal(); err != nil {
		errs = append(errs, err)
	}
	if c.Reconcile.Enabled && (c.Reconcile.Interval <= 0 || c.Reconcile.Window <= 0) {
		errs = append(errs, errors.New("reconcile.interval and reconcile.window must be positive"))
	}
	if len(c.Ledger.Currencies) == 0 {
		errs = append(errs, errors.New("ledger.currencies must not be empty"))
	}
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}
	return errors.Join(errs...)
}
