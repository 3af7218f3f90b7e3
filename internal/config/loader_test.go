package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amu-labs/gatekeep/internal/core"
)

func newTestViper() *viper.Viper {
	v := viper.New()
	Configure(v)
	return v
}

func TestLoadFrom(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", t.TempDir())

		cfg, err := LoadFrom(newTestViper())
		require.NoError(t, err)

		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

		assert.Equal(t, DriverLibsql, cfg.Store.Driver)
		assert.Equal(t, filepath.Join(gfconfig.GetAppDataDir(AppName), AppName+".db"), cfg.Store.Path)

		assert.Equal(t, core.DefaultRateLimit, cfg.RateLimit)
		assert.Equal(t, core.RateLimitConfig{MaxAttempts: 3, Window: time.Hour}, cfg.FamilyLimit(core.DefaultScope))
		assert.Equal(t, 2*time.Minute, cfg.Coordinator.MaxWait)
		assert.Equal(t, "X-User-ID", cfg.Gateway.SubjectHeader)
		assert.Equal(t, "gatekeep:attempts", cfg.Redis.KeyPrefix)
	})

	t.Run("EnvironmentOverrides", func(t *testing.T) {
		t.Setenv("GATEKEEP_SERVER_PORT", "9999")
		t.Setenv("GATEKEEP_RATE_LIMIT_WINDOW", "10m")
		t.Setenv("GATEKEEP_STORE_DRIVER", "Memory")
		t.Setenv("GATEKEEP_COORDINATOR_MAX_WAIT", "0s")

		cfg, err := LoadFrom(newTestViper())
		require.NoError(t, err)

		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, 10*time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, DriverMemory, cfg.Store.Driver)
		assert.Empty(t, cfg.Store.Path)
		assert.Zero(t, cfg.Coordinator.MaxWait)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: redis
redis:
  address: cache:6379
  sentinels: "s1:26379,s2:26379"
rate_limits:
  lesson_chat:
    max_attempts: 20
    window: 1m
    cooldown: 30s
`), 0o600))

		v := newTestViper()
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())

		cfg, err := LoadFrom(v)
		require.NoError(t, err)

		assert.Equal(t, DriverRedis, cfg.Store.Driver)
		assert.Equal(t, "cache:6379", cfg.Redis.Address)
		assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.Redis.Sentinels)
		assert.Equal(t, core.RateLimitConfig{MaxAttempts: 20, Window: time.Minute, Cooldown: 30 * time.Second}, cfg.FamilyLimit("lesson_chat"))
		assert.Contains(t, cfg.RateLimits, core.DefaultScope, "file entries merge with default families")
	})

	t.Run("FamilyCooldownOff", func(t *testing.T) {
		t.Setenv("XDG_DATA_HOME", t.TempDir())
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
rate_limit:
  cooldown: 10m
rate_limits:
  lesson_chat:
    cooldown: 0
  uploads:
    max_attempts: 9
`), 0o600))

		v := newTestViper()
		v.SetConfigFile(path)
		require.NoError(t, v.ReadInConfig())

		cfg, err := LoadFrom(v)
		require.NoError(t, err)

		require.NotNil(t, cfg.RateLimits["lesson_chat"].Cooldown)
		assert.Zero(t, cfg.FamilyLimit("lesson_chat").Cooldown)
		assert.Nil(t, cfg.RateLimits["uploads"].Cooldown)
		assert.Equal(t, 10*time.Minute, cfg.FamilyLimit("uploads").Cooldown)
		assert.Equal(t, 9, cfg.FamilyLimit("uploads").MaxAttempts)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		cfg, err := LoadFrom(newTestViper(), map[string]any{
			"Server":   map[string]any{"Port": 0},
			"upstream": map[string]any{"base_url": "https://courses.internal"},
		})
		require.NoError(t, err)

		assert.Equal(t, 0, cfg.Server.Port)
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, "https://courses.internal", cfg.Upstream.BaseURL)
	})
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		t.Helper()
		cfg, err := LoadFrom(newTestViper(), map[string]any{"store": map[string]any{"driver": "memory"}})
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad driver", func(c *Config) { c.Store.Driver = "postgres" }, "unsupported store.driver"},
		{"redis without address", func(c *Config) {
			c.Store.Driver = DriverRedis
			c.Redis.Address = ""
		}, "redis.address"},
		{"zero max attempts", func(c *Config) { c.RateLimit.MaxAttempts = 0 }, "rate_limit"},
		{"negative family window", func(c *Config) {
			c.RateLimits["chat"] = core.RateLimitOverride{Window: -time.Second}
		}, "rate_limits.chat"},
		{"redis ttl shorter than default window", func(c *Config) {
			c.Store.Driver = DriverRedis
			c.Redis.TTL = 30 * time.Minute
		}, "redis.ttl"},
		{"redis ttl shorter than family window and cooldown", func(c *Config) {
			cooldown := 2 * time.Hour
			c.Store.Driver = DriverRedis
			c.RateLimits["lesson_chat"] = core.RateLimitOverride{Window: 23 * time.Hour, Cooldown: &cooldown}
		}, "rate_limits.lesson_chat"},
		{"negative max wait", func(c *Config) { c.Coordinator.MaxWait = -time.Second }, "coordinator.max_wait"},
		{"relative upstream", func(c *Config) { c.Upstream.BaseURL = "/courses" }, "upstream.base_url"},
		{"scoped course scope", func(c *Config) { c.Gateway.CourseScope = "a:b" }, "gateway.course_scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("redis ttl zero keeps keys", func(t *testing.T) {
		cfg := base(t)
		cfg.Store.Driver = DriverRedis
		cfg.Redis.TTL = 0
		cfg.RateLimit.Window = 72 * time.Hour
		require.NoError(t, cfg.Validate())
	})
}

func TestMergeSettings(t *testing.T) {
	dst := map[string]any{"server": map[string]any{"host": "localhost", "port": 8080}}
	mergeSettings(dst, map[string]any{"SERVER": map[string]any{"Port": 9000}, "debug": true})

	assert.Equal(t, map[string]any{
		"server": map[string]any{"host": "localhost", "port": 9000},
		"debug":  true,
	}, dst)
}
