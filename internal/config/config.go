package config

import (
	"time"
)

// Config represents the complete application configuration.
// Sources, lowest precedence first: compiled defaults, the YAML config file,
// a .env file, then DATAHUB_* environment variables and flags.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Store     StoreConfig               `mapstructure:"store"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Fetch     FetchConfig               `mapstructure:"fetch"`
	Upstreams map[string]UpstreamConfig `mapstructure:"upstreams"`
	Collector CollectorConfig           `mapstructure:"collector"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Health    HealthConfig              `mapstructure:"health"`
	Debug     DebugConfig               `mapstructure:"debug"`

	RateLimits      map[string]int    `mapstructure:"rate_limits"`
	RateLimitMargin float64           `mapstructure:"rate_limit_margin"`
	GlobalRateLimit GlobalLimitConfig `mapstructure:"global_rate_limit"`
}

// GlobalLimitConfig caps upstream calls across all upstreams combined.
// Zero requests disables it.
type GlobalLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects where rate windows and cache snapshots live.
// Driver is "memory" (default) or "libsql".
type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	Path        string `mapstructure:"path"`
	URL         string `mapstructure:"url"`
	AuthToken   string `mapstructure:"auth_token"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// Snapshot backends for the result cache.
const (
	SnapshotNone  = "none"
	SnapshotStore = "store"
	SnapshotRedis = "redis"
)

// CacheConfig contains result cache configuration.
type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	StakingTTL time.Duration `mapstructure:"staking_ttl"`

	// StaleFallback serves expired entries when an upstream is rate limited
	// or failing. StaleMaxAge bounds their age; zero means unbounded.
	StaleFallback bool          `mapstructure:"stale_fallback"`
	StaleMaxAge   time.Duration `mapstructure:"stale_max_age"`

	Snapshot       string `mapstructure:"snapshot"`
	SnapshotKey    string `mapstructure:"snapshot_key"`
	RestoreOnStart bool   `mapstructure:"restore_on_start"`
}

// RedisConfig configures the Redis snapshot backend.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
}

// FetchConfig bounds upstream HTTP calls.
type FetchConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// Backoff is flat, linear or exponential.
	Backoff    string        `mapstructure:"backoff"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	UserAgent  string        `mapstructure:"user_agent"`
}

// UpstreamConfig configures one upstream API.
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerWindow int           `mapstructure:"requests_per_window"`
	Window            time.Duration `mapstructure:"window"`
}

// CollectorConfig drives the periodic refresh loop in serve mode.
type CollectorConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	Currency     string        `mapstructure:"currency"`
	Limit        int           `mapstructure:"limit"`
	StakingCoins []string      `mapstructure:"staking_coins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: SIMPLE, STRUCTURED, ENTERPRISE
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether metrics are exposed
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port (Prometheus format)
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig contains debug and profiling configuration
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// PprofEnabled controls whether pprof endpoints are exposed
	// WARNING: Only enable in development/staging environments
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// Upstream returns the configuration for name, or the zero value.
func (c *Config) Upstream(name string) UpstreamConfig {
	if c == nil || c.Upstreams == nil {
		return UpstreamConfig{}
	}
	return c.Upstreams[name]
}
