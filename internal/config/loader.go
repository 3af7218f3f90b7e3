// Package config loads gatekeep configuration from defaults, an optional YAML
// file, GATEKEEP_* environment variables and runtime overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/amu-labs/gatekeep/internal/core"
)

const (
	// AppName names the binary, config directory and data directory.
	AppName = "gatekeep"
	// EnvPrefix prefixes environment overrides, e.g. GATEKEEP_SERVER_PORT.
	EnvPrefix = "GATEKEEP"
)

// Store drivers.
const (
	DriverLibsql = "libsql"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

var (
	appConfig *Config
	configMu  sync.RWMutex
)

// Configure prepares v for gatekeep: environment binding and defaults.
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// SetDefaults registers default values for every known key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 2*time.Minute)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("store.driver", DriverLibsql)
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.master_name", "")
	v.SetDefault("redis.sentinels", []string{})
	v.SetDefault("redis.key_prefix", "gatekeep:attempts")
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.environment", "production")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("admin.token", "")
	v.SetDefault("admin.rate_limit", 10)
	v.SetDefault("admin.rate_burst", 5)

	v.SetDefault("rate_limit.max_attempts", core.DefaultRateLimit.MaxAttempts)
	v.SetDefault("rate_limit.window", core.DefaultRateLimit.Window)
	v.SetDefault("rate_limit.cooldown", core.DefaultRateLimit.Cooldown)
	v.SetDefault("rate_limits."+core.DefaultScope+".max_attempts", 3)
	v.SetDefault("rate_limits."+core.DefaultScope+".window", time.Hour)

	v.SetDefault("coordinator.max_wait", 2*time.Minute)

	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.timeout", 90*time.Second)

	v.SetDefault("gateway.subject_header", "X-User-ID")
	v.SetDefault("gateway.course_scope", core.DefaultScope)
}

// Load decodes the process-wide viper instance into a Config and makes it
// the current configuration. It is safe to call again on reload.
func Load(ctx context.Context, runtimeOverrides ...map[string]any) (*Config, error) {
	v := viper.GetViper()
	SetDefaults(v)

	cfg, err := LoadFrom(v, runtimeOverrides...)
	if err != nil {
		return nil, err
	}
	setConfig(cfg)
	return cfg, nil
}

// LoadFrom decodes v, with runtimeOverrides merged on top, into a validated
// Config.
func LoadFrom(v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	settings := v.AllSettings()
	for _, overrides := range runtimeOverrides {
		mergeSettings(settings, overrides)
	}

	cfg, err := Decode(settings)
	if err != nil {
		return nil, err
	}

	if cfg.Store.Driver == DriverLibsql && strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode converts a nested settings map into a Config.
func Decode(settings map[string]any) (*Config, error) {
	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverLibsql
	}
	return cfg, nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	switch c.Store.Driver {
	case DriverLibsql, DriverMemory:
	case DriverRedis:
		if strings.TrimSpace(c.Redis.Address) == "" && len(c.Redis.Sentinels) == 0 {
			return errors.New("redis.address or redis.sentinels is required for the redis store")
		}
	default:
		return fmt.Errorf("unsupported store.driver %q (want libsql, redis or memory)", c.Store.Driver)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.checkRedisTTL("rate_limit", c.RateLimit); err != nil {
		return err
	}
	for family := range c.RateLimits {
		limit := c.FamilyLimit(family)
		if err := limit.Validate(); err != nil {
			return fmt.Errorf("rate_limits.%s: %w", family, err)
		}
		if err := c.checkRedisTTL("rate_limits."+family, limit); err != nil {
			return err
		}
	}

	if c.Coordinator.MaxWait < 0 {
		return fmt.Errorf("coordinator.max_wait must not be negative, got %s", c.Coordinator.MaxWait)
	}

	if raw := strings.TrimSpace(c.Upstream.BaseURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("upstream.base_url must be an absolute URL, got %q", raw)
		}
	}

	if strings.TrimSpace(c.Gateway.CourseScope) == "" {
		return errors.New("gateway.course_scope is required")
	}
	if strings.Contains(c.Gateway.CourseScope, ":") {
		return fmt.Errorf("gateway.course_scope must not contain ':', got %q", c.Gateway.CourseScope)
	}
	return nil
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// DefaultConfigDir returns the XDG-compliant config directory.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// DefaultStorePath returns the XDG-compliant path to the attempt database.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}

// mergeSettings merges src into dst recursively. Keys are lowercased to
// match viper's normalization.
func mergeSettings(dst, src map[string]any) {
	for key, value := range src {
		key = strings.ToLower(key)
		if nested, ok := value.(map[string]any); ok {
			existing, ok := dst[key].(map[string]any)
			if !ok {
				existing = make(map[string]any, len(nested))
				dst[key] = existing
			}
			mergeSettings(existing, nested)
			continue
		}
		dst[key] = value
	}
}

// FamilyLimit resolves the limits of a scope family: the family entry applied
// over rate_limit.
func (c *Config) FamilyLimit(family string) core.RateLimitConfig {
	return c.RateLimit.Merge(c.RateLimits[family])
}

// checkRedisTTL rejects a redis key TTL that would expire attempt logs while
// their window or cooldown still counts them.
func (c *Config) checkRedisTTL(key string, limit core.RateLimitConfig) error {
	if c.Store.Driver != DriverRedis || c.Redis.TTL <= 0 {
		return nil
	}
	if span := limit.Window + limit.Cooldown; c.Redis.TTL < span {
		return fmt.Errorf("redis.ttl %s is shorter than %s window plus cooldown (%s)", c.Redis.TTL, key, span)
	}
	return nil
}
