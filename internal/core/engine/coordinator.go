package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amu-labs/gatekeep/internal/metrics"
)

var (
	// ErrEmptyKey is returned when an operation is submitted without a key.
	ErrEmptyKey = errors.New("coordination key is required")
	// ErrWaitTimeout is returned when the key stayed held past MaxWait.
	ErrWaitTimeout = errors.New("timed out waiting for coordination key")
)

// Coordinator runs at most one operation per key at a time. Callers for a
// busy key wait until the holder releases it and then run their own
// operation. Waiters are not served in arrival order.
//
// The zero value is ready to use and waits without bound.
type Coordinator struct {
	// MaxWait bounds how long a caller waits for a busy key. Zero waits
	// until the key is released or the caller's context ends.
	MaxWait time.Duration

	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewCoordinator returns a coordinator with the given wait bound.
func NewCoordinator(maxWait time.Duration) *Coordinator {
	return &Coordinator{MaxWait: maxWait, held: make(map[string]chan struct{})}
}

// Do runs op while holding key. The hold is released when op returns or
// panics. Cancelling ctx stops the wait but never an op that has started;
// op receives a context detached from ctx's cancellation.
func (c *Coordinator) Do(ctx context.Context, key string, op func(ctx context.Context) error) error {
	release, err := c.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	return op(context.WithoutCancel(ctx))
}

// Run is the value-returning form of Coordinator.Do.
func Run[T any](ctx context.Context, c *Coordinator, key string, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := c.Do(ctx, key, func(ctx context.Context) error {
		var opErr error
		result, opErr = op(ctx)
		return opErr
	})
	return result, err
}

// Held reports whether an operation for key is in flight.
func (c *Coordinator) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.held[key]
	return ok
}

// HeldKeys returns the keys currently held, sorted.
func (c *Coordinator) HeldKeys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.held))
	for key := range c.held {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	return keys
}

func (c *Coordinator) acquire(ctx context.Context, key string) (func(), error) {
	if c == nil {
		return nil, errors.New("coordinator is not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return nil, ErrEmptyKey
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline <-chan time.Time
	if c.MaxWait > 0 {
		timer := time.NewTimer(c.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	started := time.Now()
	waited := false
	for {
		c.mu.Lock()
		if c.held == nil {
			c.held = make(map[string]chan struct{})
		}
		released, busy := c.held[key]
		if !busy {
			done := make(chan struct{})
			c.held[key] = done
			c.mu.Unlock()

			metrics.RecordCoordinatorAcquire(waited, time.Since(started))
			return func() { c.release(key, done) }, nil
		}
		c.mu.Unlock()

		waited = true
		select {
		case <-released:
			// Another waiter may win the race; loop and re-check.
		case <-ctx.Done():
			metrics.RecordCoordinatorAbandoned("cancelled")
			return nil, fmt.Errorf("wait for %q: %w", key, ctx.Err())
		case <-deadline:
			metrics.RecordCoordinatorAbandoned("timeout")
			return nil, fmt.Errorf("%w %q after %s", ErrWaitTimeout, key, c.MaxWait)
		}
	}
}

func (c *Coordinator) release(key string, done chan struct{}) {
	c.mu.Lock()
	if c.held[key] == done {
		delete(c.held, key)
	}
	c.mu.Unlock()
	close(done)
}
