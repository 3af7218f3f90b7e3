package config

import (
	"time"

	"github.com/amu-labs/gatekeep/internal/core"
)

// Config represents the complete application configuration. Values come from
// defaults, the config file, GATEKEEP_* environment variables and flags, in
// increasing precedence.
//
// RateLimits entries override RateLimit per scope family. A key left out
// inherits from RateLimit; "cooldown: 0" disables the default cooldown for
// that family.
type Config struct {
	Server      ServerConfig                      `mapstructure:"server"`
	Store       StoreConfig                       `mapstructure:"store"`
	Redis       RedisConfig                       `mapstructure:"redis"`
	Logging     LoggingConfig                     `mapstructure:"logging"`
	Metrics     MetricsConfig                     `mapstructure:"metrics"`
	Health      HealthConfig                      `mapstructure:"health"`
	Admin       AdminConfig                       `mapstructure:"admin"`
	RateLimit   core.RateLimitConfig              `mapstructure:"rate_limit"`
	RateLimits  map[string]core.RateLimitOverride `mapstructure:"rate_limits"`
	Coordinator CoordinatorConfig                 `mapstructure:"coordinator"`
	Upstream    UpstreamConfig                    `mapstructure:"upstream"`
	Gateway     GatewayConfig                     `mapstructure:"gateway"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects where attempt logs are persisted.
//
// Driver is one of "libsql" (local file or Turso URL), "redis" (see
// RedisConfig) or "memory" (process lifetime only).
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// RedisConfig configures the redis attempt store. TTL is the minimum key
// lifetime after an update; the store extends it to cover the window and
// cooldown of the recorded scope, and zero disables expiry.
type RedisConfig struct {
	Address    string        `mapstructure:"address"`
	Username   string        `mapstructure:"username"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	MasterName string        `mapstructure:"master_name"`
	Sentinels  []string      `mapstructure:"sentinels"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Environment is attached to every structured server log line.
	Environment string `mapstructure:"environment"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated Prometheus exporter port. The gateway proxies it
	// at /metrics.
	Port int `mapstructure:"port"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AdminConfig guards the admin signal endpoint. An empty token disables it.
type AdminConfig struct {
	Token     string `mapstructure:"token"`
	RateLimit int    `mapstructure:"rate_limit"`
	RateBurst int    `mapstructure:"rate_burst"`
}

// CoordinatorConfig tunes the keyed coordinator.
type CoordinatorConfig struct {
	// MaxWait bounds how long a request waits for a busy key. Zero waits
	// for as long as the client stays connected.
	MaxWait time.Duration `mapstructure:"max_wait"`
}

// UpstreamConfig points the gateway at the course-generation API.
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// GatewayConfig controls how gateway requests map onto scopes and keys.
type GatewayConfig struct {
	// SubjectHeader identifies the caller; course generation is limited per
	// subject.
	SubjectHeader string `mapstructure:"subject_header"`

	// CourseScope is the scope family for course generation.
	CourseScope string `mapstructure:"course_scope"`
}
