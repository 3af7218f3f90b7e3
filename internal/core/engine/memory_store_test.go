package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amu-labs/gatekeep/internal/core"
)

func TestMemoryAttemptStoreAdmin(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAttemptStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, scope := range []string{"course_generation:a", "course_generation:b", "chat:lesson-1"} {
		require.NoError(t, store.UpdateAttemptLog(ctx, scope, &core.AttemptLog{Attempts: []time.Time{at}}))
	}

	entries, err := store.ListRateLimits(ctx, core.RateLimitQuery{Prefix: "course_generation:"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "course_generation:a", entries[0].Scope)
	require.Equal(t, []time.Time{at}, entries[0].Log.Attempts)

	count, err := store.CountRateLimits(ctx, core.RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	_, err = store.ListRateLimits(ctx, core.RateLimitQuery{})
	require.ErrorIs(t, err, core.ErrEmptyQuery)

	removed, err := store.ResetRateLimits(ctx, core.RateLimitQuery{Scope: "chat:lesson-1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	log, err := store.GetAttemptLog(ctx, "chat:lesson-1")
	require.NoError(t, err)
	require.Nil(t, log)
}

func TestMemoryAttemptStoreCopiesLogs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryAttemptStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	original := &core.AttemptLog{Attempts: []time.Time{at}}
	require.NoError(t, store.UpdateAttemptLog(ctx, "scope", original))
	original.Attempts[0] = at.Add(time.Hour)

	loaded, err := store.GetAttemptLog(ctx, "scope")
	require.NoError(t, err)
	require.Equal(t, at, loaded.Attempts[0])

	loaded.Attempts[0] = at.Add(2 * time.Hour)
	again, err := store.GetAttemptLog(ctx, "scope")
	require.NoError(t, err)
	require.Equal(t, at, again.Attempts[0], "callers get their own copy")
}
