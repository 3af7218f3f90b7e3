//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenMemoryStore(t *testing.T) {
	s := openTestStore(t)
	require.Equal(t, "libsql", s.Driver())
	require.Equal(t, 1, s.DB.Stats().MaxOpenConnections)
	require.NoError(t, s.CheckHealth(context.Background()))

	// Migrations are idempotent.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestOpenLocalStoreConfiguresSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Path: "file:" + t.TempDir() + "/gatekeep.db"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var journalMode string
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.Equal(t, localBusyTimeoutMs, busyTimeout)
}

func TestOpenRejectsOtherDrivers(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "redis"})
	require.Error(t, err)
}

func TestAttemptLogRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	log, err := s.GetAttemptLog(ctx, "course_generation:u1")
	require.NoError(t, err)
	require.Nil(t, log)

	require.NoError(t, s.UpdateAttemptLog(ctx, "course_generation:u1", &core.AttemptLog{Attempts: []time.Time{at}}))
	require.NoError(t, s.UpdateAttemptLog(ctx, "course_generation:u1", &core.AttemptLog{
		Attempts:      []time.Time{at, at.Add(time.Second)},
		CooldownStart: &at,
	}))

	log, err = s.GetAttemptLog(ctx, "course_generation:u1")
	require.NoError(t, err)
	require.Equal(t, []time.Time{at, at.Add(time.Second)}, log.Attempts)
	require.Equal(t, at, *log.CooldownStart)

	require.NoError(t, s.DeleteAttemptLog(ctx, "course_generation:u1"))
	require.NoError(t, s.DeleteAttemptLog(ctx, "course_generation:u1"))
	log, err = s.GetAttemptLog(ctx, "course_generation:u1")
	require.NoError(t, err)
	require.Nil(t, log)
}

func TestRateLimitAdmin(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	at := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for _, scope := range []string{"course_generation:a", "course_generation:b", "course_generationx", "lesson_chat:1"} {
		require.NoError(t, s.UpdateAttemptLog(ctx, scope, &core.AttemptLog{Attempts: []time.Time{at}}))
	}

	entries, err := s.ListRateLimits(ctx, core.RateLimitQuery{Prefix: "course_generation:"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "course_generation:a", entries[0].Scope)
	require.Equal(t, []time.Time{at}, entries[0].Log.Attempts)
	require.False(t, entries[0].UpdatedAt.IsZero())

	count, err := s.CountRateLimits(ctx, core.RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 4, count)

	removed, err := s.ResetRateLimits(ctx, core.RateLimitQuery{Prefix: "course_generation"})
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)

	count, err = s.CountRateLimits(ctx, core.RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRateLimiterOverLibsql(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter, err := engine.NewRateLimiter(s, core.RateLimitConfig{MaxAttempts: 2, Window: time.Minute}, nil)
	require.NoError(t, err)
	limiter.Clock = func() time.Time { return now }

	require.NoError(t, limiter.RecordAttempt(ctx, "scope"))
	require.NoError(t, limiter.RecordAttempt(ctx, "scope"))

	status, err := limiter.Check(ctx, "scope")
	require.NoError(t, err)
	require.False(t, status.Allowed)

	now = now.Add(time.Minute + time.Millisecond)
	status, err = limiter.Check(ctx, "scope")
	require.NoError(t, err)
	require.True(t, status.Allowed)
}
