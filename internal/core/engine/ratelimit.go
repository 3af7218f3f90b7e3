package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/metrics"
)

// ErrQuotaExhausted is returned by RecordAttempt when the window is already
// full. The attempt is not logged.
var ErrQuotaExhausted = errors.New("rate limit quota exhausted")

// ErrEmptyScope is returned for operations without a scope.
var ErrEmptyScope = errors.New("scope is required")

// AttemptStore persists attempt logs per scope.
type AttemptStore interface {
	GetAttemptLog(ctx context.Context, scope string) (*core.AttemptLog, error)
	UpdateAttemptLog(ctx context.Context, scope string, log *core.AttemptLog) error
	DeleteAttemptLog(ctx context.Context, scope string) error
}

// RetainingStore is implemented by stores that expire attempt logs on their
// own. RecordAttempt passes retain, the window plus cooldown in effect, so a
// log never expires while its attempts still count.
type RetainingStore interface {
	UpdateAttemptLogRetained(ctx context.Context, scope string, log *core.AttemptLog, retain time.Duration) error
}

// RateLimiter enforces a sliding-window attempt limit per scope.
//
// Scopes share configuration by family: "course_generation:user-42" uses the
// entry for "course_generation" in Scopes, falling back to Defaults. Scopes
// holds fully resolved configurations.
type RateLimiter struct {
	Store    AttemptStore
	Defaults core.RateLimitConfig
	Scopes   map[string]core.RateLimitConfig
	Clock    func() time.Time

	mu     sync.Mutex
	config sync.RWMutex
}

// NewRateLimiter returns a limiter over store with validated configuration.
func NewRateLimiter(store AttemptStore, defaults core.RateLimitConfig, scopes map[string]core.RateLimitOverride) (*RateLimiter, error) {
	r := &RateLimiter{Store: store}
	if err := r.Reconfigure(defaults, scopes); err != nil {
		return nil, err
	}
	return r, nil
}

// Reconfigure swaps defaults and per-family configuration. Zero fields in
// defaults fall back to core.DefaultRateLimit. Family entries are overrides
// of the defaults: unset fields inherit and an explicit zero cooldown
// disables it for the family.
func (r *RateLimiter) Reconfigure(defaults core.RateLimitConfig, scopes map[string]core.RateLimitOverride) error {
	if r == nil {
		return errors.New("rate limiter is not initialized")
	}

	merged := mergeConfig(core.DefaultRateLimit, defaults)
	if err := merged.Validate(); err != nil {
		return fmt.Errorf("invalid default rate limit: %w", err)
	}

	families := make(map[string]core.RateLimitConfig, len(scopes))
	for name, override := range scopes {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		resolved := merged.Merge(override)
		if err := resolved.Validate(); err != nil {
			return fmt.Errorf("invalid rate limit for %s: %w", name, err)
		}
		families[name] = resolved
	}

	r.config.Lock()
	r.Defaults = merged
	r.Scopes = families
	r.config.Unlock()
	return nil
}

// Config resolves the effective configuration for scope.
func (r *RateLimiter) Config(scope string, overrides ...core.RateLimitOverride) (core.RateLimitConfig, error) {
	if r == nil {
		return core.RateLimitConfig{}, errors.New("rate limiter is not initialized")
	}

	r.config.RLock()
	cfg := mergeConfig(core.DefaultRateLimit, r.Defaults)
	if family, ok := r.Scopes[core.ScopeFamily(scope)]; ok {
		cfg = family
	}
	r.config.RUnlock()

	for _, o := range overrides {
		cfg = cfg.Merge(o)
	}
	if err := cfg.Validate(); err != nil {
		return core.RateLimitConfig{}, fmt.Errorf("rate limit for %s: %w", scope, err)
	}
	return cfg, nil
}

// Check evaluates whether scope may attempt the gated action now. It never
// mutates stored state. A store failure denies with the wrapped error.
func (r *RateLimiter) Check(ctx context.Context, scope string, overrides ...core.RateLimitOverride) (core.RateLimitStatus, error) {
	if err := r.ready(scope); err != nil {
		return deniedStatus(), err
	}

	cfg, err := r.Config(scope, overrides...)
	if err != nil {
		return deniedStatus(), err
	}

	log, err := r.Store.GetAttemptLog(ctx, scope)
	if err != nil {
		metrics.RecordRateLimitStoreError(core.ScopeFamily(scope), "get")
		err = fmt.Errorf("load attempts for %s: %w", scope, err)
		return deniedStatus(), err
	}

	status := evaluate(log, cfg, r.now())
	metrics.RecordRateLimitCheck(core.ScopeFamily(scope), status.Allowed)
	return status, nil
}

// TimeUntilReset returns how long until Check would allow scope again, or 0
// when it already does. On error it returns the window with the error.
func (r *RateLimiter) TimeUntilReset(ctx context.Context, scope string, overrides ...core.RateLimitOverride) (time.Duration, error) {
	status, err := r.Check(ctx, scope, overrides...)
	if err != nil {
		window := core.DefaultRateLimit.Window
		if cfg, cfgErr := r.Config(scope, overrides...); cfgErr == nil {
			window = cfg.Window
		}
		return window, err
	}
	return status.RetryAfter, nil
}

// RecordAttempt logs an attempt at the current time. Call it only for
// actions that were actually dispatched.
func (r *RateLimiter) RecordAttempt(ctx context.Context, scope string, overrides ...core.RateLimitOverride) error {
	if err := r.ready(scope); err != nil {
		return err
	}

	cfg, err := r.Config(scope, overrides...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	log, err := r.Store.GetAttemptLog(ctx, scope)
	if err != nil {
		metrics.RecordRateLimitStoreError(core.ScopeFamily(scope), "get")
		return fmt.Errorf("load attempts for %s: %w", scope, err)
	}

	now := r.now()
	next := prune(log, cfg, now)
	if len(next.Attempts) >= cfg.MaxAttempts {
		return fmt.Errorf("%s: %w", scope, ErrQuotaExhausted)
	}

	next.Attempts = append(next.Attempts, now)
	if cfg.Cooldown > 0 && len(next.Attempts) >= cfg.MaxAttempts {
		start := now
		next.CooldownStart = &start
	}

	if err := r.update(ctx, scope, next, cfg.Window+cfg.Cooldown); err != nil {
		metrics.RecordRateLimitStoreError(core.ScopeFamily(scope), "update")
		return fmt.Errorf("record attempt for %s: %w", scope, err)
	}
	metrics.RecordRateLimitAttempt(core.ScopeFamily(scope))
	return nil
}

// Clear removes all recorded attempts for scope.
func (r *RateLimiter) Clear(ctx context.Context, scope string) error {
	if err := r.ready(scope); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.Store.DeleteAttemptLog(ctx, scope); err != nil {
		metrics.RecordRateLimitStoreError(core.ScopeFamily(scope), "delete")
		return fmt.Errorf("clear attempts for %s: %w", scope, err)
	}
	return nil
}

// Scope returns a handle bound to one scope.
func (r *RateLimiter) Scope(scope string) *ScopedLimiter {
	return &ScopedLimiter{limiter: r, scope: scope}
}

func (r *RateLimiter) update(ctx context.Context, scope string, log *core.AttemptLog, retain time.Duration) error {
	if rs, ok := r.Store.(RetainingStore); ok {
		return rs.UpdateAttemptLogRetained(ctx, scope, log, retain)
	}
	return r.Store.UpdateAttemptLog(ctx, scope, log)
}

func (r *RateLimiter) ready(scope string) error {
	if r == nil || r.Store == nil {
		return errors.New("rate limiter is not initialized")
	}
	if strings.TrimSpace(scope) == "" {
		return ErrEmptyScope
	}
	return nil
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}

// ScopedLimiter is a RateLimiter bound to a single scope.
type ScopedLimiter struct {
	limiter *RateLimiter
	scope   string
}

// Name returns the bound scope.
func (s *ScopedLimiter) Name() string { return s.scope }

// Check is RateLimiter.Check for the bound scope.
func (s *ScopedLimiter) Check(ctx context.Context, overrides ...core.RateLimitOverride) (core.RateLimitStatus, error) {
	return s.limiter.Check(ctx, s.scope, overrides...)
}

// RecordAttempt is RateLimiter.RecordAttempt for the bound scope.
func (s *ScopedLimiter) RecordAttempt(ctx context.Context, overrides ...core.RateLimitOverride) error {
	return s.limiter.RecordAttempt(ctx, s.scope, overrides...)
}

// Clear is RateLimiter.Clear for the bound scope.
func (s *ScopedLimiter) Clear(ctx context.Context) error {
	return s.limiter.Clear(ctx, s.scope)
}

// TimeUntilReset is RateLimiter.TimeUntilReset for the bound scope.
func (s *ScopedLimiter) TimeUntilReset(ctx context.Context, overrides ...core.RateLimitOverride) (time.Duration, error) {
	return s.limiter.TimeUntilReset(ctx, s.scope, overrides...)
}

// mergeConfig applies the non-zero fields of over onto base. It only fills
// defaults from core.DefaultRateLimit, where a zero cooldown means unset.
func mergeConfig(base, over core.RateLimitConfig) core.RateLimitConfig {
	if over.MaxAttempts != 0 {
		base.MaxAttempts = over.MaxAttempts
	}
	if over.Window != 0 {
		base.Window = over.Window
	}
	if over.Cooldown != 0 {
		base.Cooldown = over.Cooldown
	}
	return base
}

// prune returns a copy of log holding only attempts inside the window and a
// cooldown that has not yet ended.
func prune(log *core.AttemptLog, cfg core.RateLimitConfig, now time.Time) *core.AttemptLog {
	next := &core.AttemptLog{}
	if log == nil {
		return next
	}

	cutoff := now.Add(-cfg.Window)
	for _, at := range log.Attempts {
		if at.After(cutoff) {
			next.Attempts = append(next.Attempts, at)
		}
	}
	sort.Slice(next.Attempts, func(i, j int) bool { return next.Attempts[i].Before(next.Attempts[j]) })

	if log.CooldownStart != nil && cfg.Cooldown > 0 && now.Before(log.CooldownStart.Add(cfg.Cooldown)) {
		start := *log.CooldownStart
		next.CooldownStart = &start
	}
	return next
}

func evaluate(log *core.AttemptLog, cfg core.RateLimitConfig, now time.Time) core.RateLimitStatus {
	live := prune(log, cfg, now)
	count := len(live.Attempts)

	status := core.RateLimitStatus{
		Allowed:           true,
		Attempts:          count,
		RemainingAttempts: max(0, cfg.MaxAttempts-count),
	}
	if count > 0 {
		resetAt := live.Attempts[0].Add(cfg.Window)
		status.ResetAt = &resetAt
	}

	var wait time.Duration
	if count >= cfg.MaxAttempts {
		// The slot frees when the attempt that pushes count to the limit ages out.
		freeAt := live.Attempts[count-cfg.MaxAttempts].Add(cfg.Window)
		wait = freeAt.Sub(now)
	}

	inCooldown := false
	if live.CooldownStart != nil {
		endsAt := live.CooldownStart.Add(cfg.Cooldown)
		status.CooldownEndsAt = &endsAt
		inCooldown = true
		wait = max(wait, endsAt.Sub(now))
	}

	if wait <= 0 {
		return status
	}

	status.Allowed = false
	status.RetryAfter = wait
	if inCooldown {
		status.Message = fmt.Sprintf("Please wait %s before trying again.", FormatWait(wait))
	} else {
		status.Message = fmt.Sprintf("Rate limit exceeded. You can try again in %s.", FormatWait(wait))
	}
	return status
}

func deniedStatus() core.RateLimitStatus {
	return core.RateLimitStatus{
		Allowed: false,
		Message: "Rate limit state is unavailable. Please try again later.",
	}
}

// FormatWait renders a wait as "N minutes and M seconds", rounding up to the
// next whole second.
func FormatWait(d time.Duration) string {
	if d <= 0 {
		return "0 seconds"
	}
	seconds := int64((d + time.Second - 1) / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	seconds %= 60

	parts := make([]string, 0, 3)
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	switch len(parts) {
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		return parts[0] + ", " + parts[1] + " and " + parts[2]
	}
}

func plural(n int64, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
