// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Rate    RateConfig    `mapstructure:"rate"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Retry   RetryConfig   `mapstructure:"retry"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RateConfig bounds the global outbound request rate.
type RateConfig struct {
	CeilingPerSec float64 `mapstructure:"ceiling_per_sec"`
}

// WorkerConfig governs the fetch pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// RetryConfig sets the backoff schedule for retryable failures.
type RetryConfig struct {
	MaxAttempts   int     `mapstructure:"max_attempts"`
	BaseDelaySecs int     `mapstructure:"base_delay_seconds"`
	Multiplier    float64 `mapstructure:"multiplier"`
	MaxDelaySecs  int     `mapstructure:"max_delay_seconds"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyMB      int    `mapstructure:"max_body_mb"`
}

// StorageConfig selects and configures the content-store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Root      string `mapstructure:"root"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// DBConfig controls access to the artifact ledger database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Storage backend names accepted in storage.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rate.ceiling_per_sec", 1.0)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay_seconds", 60)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay_seconds", 240)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "edgarvault-harvester/1.0")
	v.SetDefault("http.max_body_mb", 256)
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.root", "./artifacts")
	v.SetDefault("db.table", "artifacts")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Rate.CeilingPerSec <= 0 {
		return fmt.Errorf("rate.ceiling_per_sec must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Root == "" {
			return fmt.Errorf("storage.root must be set for the local backend")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BaseDelay converts the retry base delay config into a duration.
func (c Config) BaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelaySecs) * time.Second
}

// MaxDelay converts the retry delay cap config into a duration.
func (c Config) MaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelaySecs) * time.Second
}
