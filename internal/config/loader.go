// Package config provides centralized configuration management for datahub.
// It layers compiled defaults, an optional YAML file, a .env file and
// DATAHUB_* environment variables through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cryptowealth/datahub/internal/appid"
)

// Known upstream names. Duplicated from core to keep config a leaf package.
var upstreamNames = []string{"coingecko", "coinmarketcap", "stakingrewards", "defillama"}

// legacyEnv maps config keys to the unprefixed variable names the hosted
// deployment already exports.
var legacyEnv = map[string]string{
	"upstreams.coingecko.api_key":      "COINGECKO_API_KEY",
	"upstreams.coinmarketcap.api_key":  "COINMARKETCAP_API_KEY",
	"upstreams.stakingrewards.api_key": "STAKINGREWARDS_API_KEY",
	"server.port":                      "PORT",
}

// Options controls where configuration is read from.
type Options struct {
	// File is an explicit config file. When empty the user config dir and
	// ./config are searched for config.yaml.
	File string
	// EnvFile is loaded into the process environment before env binding.
	// Existing variables win. Defaults to ".env"; "-" disables it.
	EnvFile string
}

// NewViper builds a viper instance with defaults, env binding and the config
// file (if any) applied. A missing config file is not an error.
func NewViper(opts Options) (*viper.Viper, error) {
	if err := LoadDotEnv(opts.EnvFile); err != nil {
		return nil, err
	}

	identity := appid.Get()
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(identity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, identity.EnvVar(key), legacy); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if opts.File != "" {
		v.SetConfigFile(opts.File)
	} else {
		if dir := gfconfig.GetAppConfigDir(identity.ConfigName); strings.TrimSpace(dir) != "" {
			v.AddConfigPath(dir)
		}
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.File != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// LoadDotEnv loads path (".env" when empty) into the environment. A missing
// file is ignored.
func LoadDotEnv(path string) error {
	if path == "-" {
		return nil
	}
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.allowed_origins", []string{})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	// Store defaults
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.auto_migrate", true)

	// Cache defaults
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.staking_ttl", "15m")
	v.SetDefault("cache.stale_fallback", false)
	v.SetDefault("cache.stale_max_age", "1h")
	v.SetDefault("cache.snapshot", SnapshotNone)
	v.SetDefault("cache.snapshot_key", "datahub:cache")
	v.SetDefault("cache.restore_on_start", true)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "datahub")
	v.SetDefault("redis.snapshot_ttl", "24h")

	// Fetch defaults
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.backoff", "exponential")
	v.SetDefault("fetch.retry_delay", "1s")
	v.SetDefault("fetch.max_delay", "30s")
	v.SetDefault("fetch.user_agent", appid.Get().BinaryName)

	// Upstream defaults
	v.SetDefault("upstreams.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("upstreams.coinmarketcap.base_url", "https://pro-api.coinmarketcap.com/v1")
	v.SetDefault("upstreams.stakingrewards.base_url", "https://api.stakingrewards.com/public/v1")
	v.SetDefault("upstreams.defillama.base_url", "https://api.llama.fi")
	for _, name := range upstreamNames {
		v.SetDefault("upstreams."+name+".api_key", "")
		v.SetDefault("upstreams."+name+".enabled", true)
		v.SetDefault("upstreams."+name+".requests_per_window", 0)
		v.SetDefault("upstreams."+name+".window", "1m")
	}

	// Collector defaults
	v.SetDefault("collector.enabled", false)
	v.SetDefault("collector.interval", "5m")
	v.SetDefault("collector.currency", "usd")
	v.SetDefault("collector.limit", 100)
	v.SetDefault("collector.staking_coins", []string{"ethereum", "cardano", "solana", "polkadot"})

	// Rate limit overrides (optional)
	v.SetDefault("rate_limits", map[string]int{})
	v.SetDefault("rate_limit_margin", 0.9)
	v.SetDefault("global_rate_limit.requests", 0)
	v.SetDefault("global_rate_limit.window", "1m")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Health check defaults
	v.SetDefault("health.enabled", true)

	// Debug defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
}

// Load decodes v into a Config and validates it. Callers own the result;
// there is no process-wide current config.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
		SetDefaults(v)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) normalize() {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Cache.Snapshot = strings.ToLower(strings.TrimSpace(c.Cache.Snapshot))
	c.Fetch.Backoff = strings.ToLower(strings.TrimSpace(c.Fetch.Backoff))
	c.Collector.Currency = strings.ToLower(strings.TrimSpace(c.Collector.Currency))

	if c.Store.Driver == "libsql" && strings.TrimSpace(c.Store.URL) == "" && strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = DefaultStorePath()
	}

	coins := c.Collector.StakingCoins[:0]
	for _, coin := range c.Collector.StakingCoins {
		if coin = strings.ToLower(strings.TrimSpace(coin)); coin != "" {
			coins = append(coins, coin)
		}
	}
	c.Collector.StakingCoins = coins
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "memory", "libsql":
	default:
		return fmt.Errorf("invalid store.driver %q: must be memory or libsql", c.Store.Driver)
	}

	switch c.Cache.Snapshot {
	case "", SnapshotNone:
	case SnapshotStore:
		if c.Store.Driver != "libsql" {
			return errors.New("cache.snapshot=store requires store.driver=libsql")
		}
	case SnapshotRedis:
		if strings.TrimSpace(c.Redis.Addr) == "" {
			return errors.New("cache.snapshot=redis requires redis.addr")
		}
	default:
		return fmt.Errorf("invalid cache.snapshot %q: must be none, store or redis", c.Cache.Snapshot)
	}

	switch c.Fetch.Backoff {
	case "", "flat", "linear", "exponential":
	default:
		return fmt.Errorf("invalid fetch.backoff %q: must be flat, linear or exponential", c.Fetch.Backoff)
	}
	if c.Fetch.MaxAttempts < 0 {
		return fmt.Errorf("invalid fetch.max_attempts %d", c.Fetch.MaxAttempts)
	}

	if c.RateLimitMargin < 0 || c.RateLimitMargin > 1 {
		return fmt.Errorf("invalid rate_limit_margin %v: must be within (0, 1]", c.RateLimitMargin)
	}
	if c.GlobalRateLimit.Requests < 0 {
		return fmt.Errorf("invalid global_rate_limit.requests %d", c.GlobalRateLimit.Requests)
	}
	if c.GlobalRateLimit.Requests > 0 && c.GlobalRateLimit.Window <= 0 {
		return errors.New("global_rate_limit.window must be positive when requests is set")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Collector.Enabled && c.Collector.Interval <= 0 {
		return errors.New("collector.interval must be positive when the collector is enabled")
	}
	return nil
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(appid.Get().ConfigName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultDataDir returns the XDG-compliant data directory for the app.
func DefaultDataDir() string {
	return gfconfig.GetAppDataDir(appid.Get().ConfigName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	identity := appid.Get()
	dataDir := gfconfig.GetAppDataDir(identity.ConfigName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + identity.BinaryName + ".db"
	}
	return filepath.Join(dataDir, identity.BinaryName+".db")
}
