package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorMutualExclusion(t *testing.T) {
	coord := NewCoordinator(0)

	var (
		active    atomic.Int32
		maxActive atomic.Int32
		calls     atomic.Int32
	)

	var wg conc.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			err := coord.Do(context.Background(), "lesson-1", func(context.Context) error {
				current := active.Add(1)
				for {
					seen := maxActive.Load()
					if current <= seen || maxActive.CompareAndSwap(seen, current) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				calls.Add(1)
				active.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	require.Equal(t, int32(1), maxActive.Load())
	require.Equal(t, int32(20), calls.Load(), "every caller runs its own operation")
	require.False(t, coord.Held("lesson-1"))
}

func TestCoordinatorDifferentKeysOverlap(t *testing.T) {
	coord := NewCoordinator(0)
	bothRunning := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)

	var wg conc.WaitGroup
	for _, key := range []string{"lesson-1", "lesson-2"} {
		wg.Go(func() {
			err := coord.Do(context.Background(), key, func(context.Context) error {
				started.Done()
				select {
				case <-bothRunning:
					return nil
				case <-time.After(5 * time.Second):
					return errors.New("keys were serialized")
				}
			})
			assert.NoError(t, err)
		})
	}

	started.Wait()
	require.ElementsMatch(t, []string{"lesson-1", "lesson-2"}, coord.HeldKeys())
	close(bothRunning)
	wg.Wait()
	require.Empty(t, coord.HeldKeys())
}

func TestCoordinatorReleasesOnError(t *testing.T) {
	coord := NewCoordinator(50 * time.Millisecond)
	opErr := errors.New("upstream failed")

	err := coord.Do(context.Background(), "key", func(context.Context) error { return opErr })
	require.ErrorIs(t, err, opErr)
	require.False(t, coord.Held("key"))

	start := time.Now()
	err = coord.Do(context.Background(), "key", func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestCoordinatorReleasesOnPanic(t *testing.T) {
	coord := NewCoordinator(0)

	require.PanicsWithValue(t, "boom", func() {
		_ = coord.Do(context.Background(), "key", func(context.Context) error { panic("boom") })
	})
	require.False(t, coord.Held("key"))

	require.NoError(t, coord.Do(context.Background(), "key", func(context.Context) error { return nil }))
}

func TestCoordinatorWaiterRunsAfterRelease(t *testing.T) {
	coord := NewCoordinator(0)
	holding := make(chan struct{})
	release := make(chan struct{})

	var order []string
	var mu sync.Mutex
	appendOrder := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		_ = coord.Do(context.Background(), "key", func(context.Context) error {
			close(holding)
			<-release
			appendOrder("first")
			return nil
		})
	})

	<-holding
	wg.Go(func() {
		_ = coord.Do(context.Background(), "key", func(context.Context) error {
			appendOrder("second")
			return nil
		})
	})

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, []string{"first", "second"}, order)
}

func TestCoordinatorMaxWait(t *testing.T) {
	coord := NewCoordinator(20 * time.Millisecond)
	holding := make(chan struct{})
	release := make(chan struct{})

	var wg conc.WaitGroup
	wg.Go(func() {
		_ = coord.Do(context.Background(), "key", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	})
	<-holding

	invoked := false
	err := coord.Do(context.Background(), "key", func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrWaitTimeout)
	require.False(t, invoked)

	close(release)
	wg.Wait()
}

func TestCoordinatorCancelledWhileWaiting(t *testing.T) {
	coord := NewCoordinator(0)
	holding := make(chan struct{})
	release := make(chan struct{})

	var wg conc.WaitGroup
	wg.Go(func() {
		_ = coord.Do(context.Background(), "key", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	})
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := coord.Do(ctx, "key", func(context.Context) error {
		t.Error("operation must not run after the wait was cancelled")
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
	require.False(t, coord.Held("key"))
}

func TestCoordinatorOperationOutlivesCaller(t *testing.T) {
	coord := NewCoordinator(0)
	ctx, cancel := context.WithCancel(context.Background())

	err := coord.Do(ctx, "key", func(opCtx context.Context) error {
		cancel()
		time.Sleep(5 * time.Millisecond)
		return opCtx.Err()
	})
	require.NoError(t, err)
}

func TestCoordinatorEmptyKey(t *testing.T) {
	coord := &Coordinator{}
	err := coord.Do(context.Background(), "", func(context.Context) error {
		t.Error("operation must not run without a key")
		return nil
	})
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestRunReturnsOperationResult(t *testing.T) {
	coord := &Coordinator{}

	value, err := Run(context.Background(), coord, "chat:lesson-9", func(context.Context) (string, error) {
		return "chat-123", nil
	})
	require.NoError(t, err)
	require.Equal(t, "chat-123", value)

	_, err = Run(context.Background(), coord, "chat:lesson-9", func(context.Context) (int, error) {
		return 0, fmt.Errorf("create chat: %w", context.Canceled)
	})
	require.ErrorIs(t, err, context.Canceled)
}
