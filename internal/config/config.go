// Package config loads eventcore runtime configuration from a YAML file and
// EVENTCORE_ environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/eventcore/internal/engine"
	"github.com/roach88/eventcore/internal/model"
	"github.com/roach88/eventcore/internal/store"
)

// EnvPrefix prefixes environment overrides, e.g. EVENTCORE_DATABASE_PATH.
const EnvPrefix = "eventcore"

type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Tenants      []string           `mapstructure:"tenants"`
	Declarations DeclarationsConfig `mapstructure:"declarations"`
	Log          LogConfig          `mapstructure:"log"`
	Processing   ProcessingConfig   `mapstructure:"processing"`
	Persistence  PersistenceConfig  `mapstructure:"persistence"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type DeclarationsConfig struct {
	Dir string `mapstructure:"dir"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ProcessingConfig struct {
	NoEventBackoff          time.Duration `mapstructure:"no_event_backoff"`
	StoreUnavailableBackoff time.Duration `mapstructure:"store_unavailable_backoff"`
	EventWaitTimeout        time.Duration `mapstructure:"event_wait_timeout"`
	MaxRetryWait            time.Duration `mapstructure:"max_retry_wait"`
}

type PersistenceConfig struct {
	Retry RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint. Empty disables it.
	Addr string `mapstructure:"addr"`
}

// Load reads the config file at path, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
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
	v.SetDefault("database.path", "eventcore.db")
	v.SetDefault("tenants", []string{string(model.DefaultTenant)})
	v.SetDefault("declarations.dir", "processors")
	v.SetDefault("log.level", "info")
	v.SetDefault("processing.no_event_backoff", engine.DefaultNoEventBackoff)
	v.SetDefault("processing.store_unavailable_backoff", engine.DefaultStoreUnavailableBackoff)
	v.SetDefault("processing.event_wait_timeout", engine.DefaultEventWaitTimeout)
	v.SetDefault("processing.max_retry_wait", engine.DefaultMaxRetryWait)
	v.SetDefault("persistence.retry.initial_interval", store.DefaultRetryConfig.InitialInterval)
	v.SetDefault("persistence.retry.max_interval", store.DefaultRetryConfig.MaxInterval)
	v.SetDefault("persistence.retry.max_elapsed_time", store.DefaultRetryConfig.MaxElapsedTime)
	v.SetDefault("metrics.addr", "")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("tenants must list at least one tenant")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, tenant := range c.Tenants {
		if strings.TrimSpace(tenant) == "" {
			return fmt.Errorf("tenants: empty tenant id")
		}
		if seen[tenant] {
			return fmt.Errorf("tenants: duplicate tenant %q", tenant)
		}
		seen[tenant] = true
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"processing.no_event_backoff", c.Processing.NoEventBackoff},
		{"processing.store_unavailable_backoff", c.Processing.StoreUnavailableBackoff},
		{"processing.event_wait_timeout", c.Processing.EventWaitTimeout},
		{"processing.max_retry_wait", c.Processing.MaxRetryWait},
		{"persistence.retry.initial_interval", c.Persistence.Retry.InitialInterval},
		{"persistence.retry.max_interval", c.Persistence.Retry.MaxInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}
	if c.Persistence.Retry.MaxElapsedTime < 0 {
		return fmt.Errorf("persistence.retry.max_elapsed_time must not be negative")
	}
	if c.Persistence.Retry.MaxInterval < c.Persistence.Retry.InitialInterval {
		return fmt.Errorf("persistence.retry.max_interval %s is below initial_interval %s",
			c.Persistence.Retry.MaxInterval, c.Persistence.Retry.InitialInterval)
	}
	return nil
}

// TenantIDs returns the configured tenants.
func (c Config) TenantIDs() []model.TenantID {
	ids := make([]model.TenantID, len(c.Tenants))
	for i, t := range c.Tenants {
		ids[i] = model.TenantID(t)
	}
	return ids
}

// EngineOptions returns the processing loop options for the configured timings.
func (c Config) EngineOptions() []engine.Option {
	return []engine.Option{
		engine.WithNoEventBackoff(c.Processing.NoEventBackoff),
		engine.WithStoreUnavailableBackoff(c.Processing.StoreUnavailableBackoff),
		engine.WithEventWaitTimeout(c.Processing.EventWaitTimeout),
		engine.WithMaxRetryWait(c.Processing.MaxRetryWait),
	}
}

// StoreRetry returns the persistence retry bounds.
func (c Config) StoreRetry() store.RetryConfig {
	return store.RetryConfig{
		InitialInterval: c.Persistence.Retry.InitialInterval,
		MaxInterval:     c.Persistence.Retry.MaxInterval,
		MaxElapsedTime:  c.Persistence.Retry.MaxElapsedTime,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q must be one of debug, info, warn, error", level)
	}
}
