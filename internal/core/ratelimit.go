package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultScope is the scope family guarding course generation.
const DefaultScope = "course_generation"

// RateLimitConfig bounds attempts of a gated action within a sliding window.
type RateLimitConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	Window      time.Duration `json:"window" yaml:"window" mapstructure:"window"`
	Cooldown    time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty" mapstructure:"cooldown"`
}

// DefaultRateLimit is used when no configuration is supplied.
var DefaultRateLimit = RateLimitConfig{
	MaxAttempts: 3,
	Window:      time.Hour,
}

// Validate reports whether the configuration can be enforced.
func (c RateLimitConfig) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown)
	}
	return nil
}

// Merge returns c with the non-zero fields of o applied.
func (c RateLimitConfig) Merge(o RateLimitOverride) RateLimitConfig {
	if o.MaxAttempts != 0 {
		c.MaxAttempts = o.MaxAttempts
	}
	if o.Window != 0 {
		c.Window = o.Window
	}
	if o.Cooldown != nil {
		c.Cooldown = *o.Cooldown
	}
	return c
}

// RateLimitOverride is a partial RateLimitConfig. Zero fields inherit.
// Cooldown is a pointer so an override can disable it explicitly. Per-family
// config entries decode into this type, so "cooldown: 0" in a family turns a
// default cooldown off while an absent key inherits it.
type RateLimitOverride struct {
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty" mapstructure:"max_attempts"`
	Window      time.Duration  `json:"window,omitempty" yaml:"window,omitempty" mapstructure:"window"`
	Cooldown    *time.Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty" mapstructure:"cooldown"`
}

// IsZero reports whether the override changes nothing.
func (o RateLimitOverride) IsZero() bool {
	return o.MaxAttempts == 0 && o.Window == 0 && o.Cooldown == nil
}

// RateLimitStatus is the result of an admission check.
type RateLimitStatus struct {
	Allowed           bool          `json:"allowed" yaml:"allowed"`
	Attempts          int           `json:"attempts" yaml:"attempts"`
	RemainingAttempts int           `json:"remaining_attempts" yaml:"remaining_attempts"`
	ResetAt           *time.Time    `json:"reset_at,omitempty" yaml:"reset_at,omitempty"`
	CooldownEndsAt    *time.Time    `json:"cooldown_ends_at,omitempty" yaml:"cooldown_ends_at,omitempty"`
	RetryAfter        time.Duration `json:"-" yaml:"-"`
	Message           string        `json:"message,omitempty" yaml:"message,omitempty"`
}

// AttemptLog is the persisted attempt history of one scope.
type AttemptLog struct {
	Attempts      []time.Time `json:"attempts"`
	CooldownStart *time.Time  `json:"cooldown_start,omitempty"`
}

// ScopeFamily returns the configuration family of a scope, the segment
// before the first ':'.
func ScopeFamily(scope string) string {
	if idx := strings.IndexByte(scope, ':'); idx >= 0 {
		return scope[:idx]
	}
	return scope
}

// RateLimitEntry is a stored attempt log as listed by admin tooling.
type RateLimitEntry struct {
	Scope     string     `json:"scope" yaml:"scope"`
	Log       AttemptLog `json:"log" yaml:"log"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

// RateLimitQuery selects stored attempt logs.
type RateLimitQuery struct {
	All    bool
	Scope  string
	Prefix string
}

// ErrEmptyQuery is returned when a query selects nothing explicitly.
var ErrEmptyQuery = errors.New("must specify --all, --scope, or --prefix")

// Validate requires exactly one selector.
func (q RateLimitQuery) Validate() error {
	selectors := 0
	if q.All {
		selectors++
	}
	if strings.TrimSpace(q.Scope) != "" {
		selectors++
	}
	if strings.TrimSpace(q.Prefix) != "" {
		selectors++
	}
	switch selectors {
	case 0:
		return ErrEmptyQuery
	case 1:
		return nil
	default:
		return errors.New("--all, --scope, and --prefix are mutually exclusive")
	}
}

// Matches reports whether scope is selected by q.
func (q RateLimitQuery) Matches(scope string) bool {
	switch {
	case q.All:
		return true
	case strings.TrimSpace(q.Scope) != "":
		return scope == strings.TrimSpace(q.Scope)
	case strings.TrimSpace(q.Prefix) != "":
		return strings.HasPrefix(scope, strings.TrimSpace(q.Prefix))
	}
	return false
}
