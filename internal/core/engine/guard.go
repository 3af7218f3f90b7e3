package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/amu-labs/gatekeep/internal/core"
)

// RateLimitedError is returned by Guarded when the scope is over its limit.
type RateLimitedError struct {
	Scope  string
	Status core.RateLimitStatus
}

func (e *RateLimitedError) Error() string {
	if e.Status.Message != "" {
		return fmt.Sprintf("%s: %s", e.Scope, e.Status.Message)
	}
	return fmt.Sprintf("%s: rate limit exceeded", e.Scope)
}

// Guard composes the limiter and coordinator around one gated action:
// admission check, serialized execution, then attempt recording.
type Guard struct {
	Limiter     *RateLimiter
	Coordinator *Coordinator
	Logger      *logging.Logger
}

// Guarded runs op for scope under key. A denied check returns a
// *RateLimitedError without running op. The check is repeated once the hold
// on key is acquired, and the attempt is recorded before the hold is
// released, so callers sharing a key observe each other's attempts. An
// attempt is recorded whenever op was invoked, including when it failed or
// panicked. A failed wait records nothing.
func Guarded[T any](ctx context.Context, g *Guard, scope, key string, op func(ctx context.Context) (T, error), overrides ...core.RateLimitOverride) (T, error) {
	var zero T
	if g == nil {
		return zero, errors.New("guard is not initialized")
	}

	if err := g.admit(ctx, scope, overrides); err != nil {
		return zero, err
	}

	run := func(ctx context.Context) (T, error) {
		if g.Limiter != nil {
			if err := g.admit(ctx, scope, overrides); err != nil {
				return zero, err
			}
			defer g.record(ctx, scope, overrides)
		}
		return op(ctx)
	}

	if g.Coordinator == nil {
		return run(context.WithoutCancel(ctx))
	}
	return Run(ctx, g.Coordinator, key, run)
}

func (g *Guard) admit(ctx context.Context, scope string, overrides []core.RateLimitOverride) error {
	if g.Limiter == nil {
		return nil
	}
	status, err := g.Limiter.Check(ctx, scope, overrides...)
	if err != nil {
		return err
	}
	if !status.Allowed {
		return &RateLimitedError{Scope: scope, Status: status}
	}
	return nil
}

func (g *Guard) record(ctx context.Context, scope string, overrides []core.RateLimitOverride) {
	err := g.Limiter.RecordAttempt(ctx, scope, overrides...)
	if err == nil || g.Logger == nil {
		return
	}
	if errors.Is(err, ErrQuotaExhausted) {
		g.Logger.Warn("Attempt not recorded, window filled concurrently",
			zap.String("scope", scope))
		return
	}
	g.Logger.Error("Failed to record attempt",
		zap.String("scope", scope),
		zap.Error(err))
}
