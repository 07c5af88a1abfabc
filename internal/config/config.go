package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Usage    UsageConfig    `mapstructure:"usage_tracking"`
	Crisis   CrisisConfig   `mapstructure:"crisis"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig defines policy evaluation settings
type PolicyConfig struct {
	Timezone             string `mapstructure:"timezone"`      // IANA name or "Local"; all day/week boundaries use it
	PollInterval         string `mapstructure:"poll_interval"` // re-evaluation of foreground apps
	RestrictionCacheSize int    `mapstructure:"restriction_cache_size"`
	RestrictionCacheTTL  string `mapstructure:"restriction_cache_ttl"`
}

// UsageConfig defines usage tracking settings
type UsageConfig struct {
	PersistRetryInterval string `mapstructure:"persist_retry_interval"`
}

// CrisisConfig defines crisis override settings
type CrisisConfig struct {
	DefaultDuration string `mapstructure:"default_duration"`
	MaxDuration     string `mapstructure:"max_duration"`
}

// ApprovalConfig defines approval workflow settings
type ApprovalConfig struct {
	RequestTimeout     string `mapstructure:"request_timeout"`
	DefaultGrant       string `mapstructure:"default_grant"`
	SweepInterval      string `mapstructure:"sweep_interval"`
	OutboxPollInterval string `mapstructure:"outbox_poll_interval"`
	EventBuffer        int    `mapstructure:"event_buffer"`
}

// BridgeConfig defines the device observer socket
type BridgeConfig struct {
	SocketPath string `mapstructure:"socket_path"`
}

// MetricsConfig defines the metrics endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("SECONDCHANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by defaults alone
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Policy defaults
	v.SetDefault("policy.timezone", "Local")
	v.SetDefault("policy.poll_interval", "1m")
	v.SetDefault("policy.restriction_cache_size", 256)
	v.SetDefault("policy.restriction_cache_ttl", "30s")

	// Usage tracking defaults
	v.SetDefault("usage_tracking.persist_retry_interval", "15s")

	// Crisis defaults
	v.SetDefault("crisis.default_duration", "30m")
	v.SetDefault("crisis.max_duration", "24h")

	// Approval defaults
	v.SetDefault("approval.request_timeout", "24h")
	v.SetDefault("approval.default_grant", "15m")
	v.SetDefault("approval.sweep_interval", "1m")
	v.SetDefault("approval.outbox_poll_interval", "2s")
	v.SetDefault("approval.event_buffer", 64)

	// Bridge defaults
	v.SetDefault("bridge.socket_path", "/run/secondchance/bridge.sock")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)
}

// Location resolves the configured policy timezone
func (c *PolicyConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}
	if cfg.Storage.Type != "redis" {
		return fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", cfg.Storage.Type)
	}
	if cfg.Storage.Redis.Host == "" {
		return fmt.Errorf("storage.redis.host is required")
	}

	if _, err := cfg.Policy.Location(); err != nil {
		return fmt.Errorf("invalid policy timezone %q: %w", cfg.Policy.Timezone, err)
	}

	durations := map[string]string{
		"policy.poll_interval":                  cfg.Policy.PollInterval,
		"policy.restriction_cache_ttl":          cfg.Policy.RestrictionCacheTTL,
		"crisis.default_duration":               cfg.Crisis.DefaultDuration,
		"crisis.max_duration":                   cfg.Crisis.MaxDuration,
		"approval.request_timeout":              cfg.Approval.RequestTimeout,
		"approval.default_grant":                cfg.Approval.DefaultGrant,
		"approval.sweep_interval":               cfg.Approval.SweepInterval,
		"approval.outbox_poll_interval":         cfg.Approval.OutboxPollInterval,
		"usage_tracking.persist_retry_interval": cfg.Usage.PersistRetryInterval,
	}
	for key, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", key, value)
		}
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	if cfg.Bridge.SocketPath == "" {
		return fmt.Errorf("bridge.socket_path is required")
	}

	return nil
}
