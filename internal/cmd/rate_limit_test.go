package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
	"github.com/amu-labs/gatekeep/internal/observability"
	"github.com/amu-labs/gatekeep/internal/output"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMemoryStore(t *testing.T) attemptStore {
	t.Helper()
	db, err := openStore(context.Background(), &config.Config{Store: config.StoreConfig{Driver: config.DriverMemory}})
	require.NoError(t, err)
	assert.Equal(t, config.DriverMemory, db.Driver())
	return db
}

func newTestLimiter(t *testing.T, db attemptStore, limits core.RateLimitConfig) *engine.RateLimiter {
	t.Helper()
	limiter, err := engine.NewRateLimiter(db, limits, nil)
	require.NoError(t, err)
	now := testNow
	limiter.Clock = func() time.Time { return now }
	return limiter
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), &config.Config{Store: config.StoreConfig{Driver: "postgres"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	db := newMemoryStore(t)
	limiter := newTestLimiter(t, db, core.RateLimitConfig{MaxAttempts: 2, Window: time.Hour})
	scope := "course_generation:user-42"

	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		require.NoError(t, recordAttempt(ctx, limiter, scope, core.RateLimitOverride{}, output.FormatJSON, &buf))
	}

	var buf bytes.Buffer
	err := recordAttempt(ctx, limiter, scope, core.RateLimitOverride{}, output.FormatJSON, &buf)
	require.ErrorIs(t, err, engine.ErrQuotaExhausted)
	assert.Contains(t, err.Error(), "retry in 1 hour")

	var status map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &status))
	assert.Equal(t, false, status["allowed"])
	assert.EqualValues(t, 2, status["attempts"])
	assert.EqualValues(t, 2, status["max_attempts"])
	assert.Equal(t, scope, status["scope"])
}

func TestRecordAttemptOverride(t *testing.T) {
	ctx := context.Background()
	db := newMemoryStore(t)
	limiter := newTestLimiter(t, db, core.RateLimitConfig{MaxAttempts: 1, Window: time.Hour})
	scope := "course_generation:user-7"
	override := core.RateLimitOverride{MaxAttempts: 3}

	var buf bytes.Buffer
	require.NoError(t, recordAttempt(ctx, limiter, scope, override, output.FormatTable, &buf))
	require.NoError(t, recordAttempt(ctx, limiter, scope, override, output.FormatTable, &buf))
	assert.Contains(t, buf.String(), "attempts:  2/3")
}

func TestWriteScopeStatusEmptyScope(t *testing.T) {
	limiter := newTestLimiter(t, newMemoryStore(t), core.DefaultRateLimit)
	err := writeScopeStatus(context.Background(), limiter, " ", core.RateLimitOverride{}, output.FormatJSON, &bytes.Buffer{})
	require.Error(t, err)
}

func TestListAndResetRateLimits(t *testing.T) {
	ctx := context.Background()
	db := newMemoryStore(t)
	limiter := newTestLimiter(t, db, core.RateLimitConfig{MaxAttempts: 5, Window: time.Hour})
	for _, scope := range []string{"course_generation:a", "course_generation:b", "lesson_chat:a"} {
		require.NoError(t, limiter.RecordAttempt(ctx, scope))
	}

	var listed bytes.Buffer
	require.NoError(t, listRateLimits(ctx, db, core.RateLimitQuery{Prefix: "course_generation:"}, output.FormatJSON, &listed))
	var entries []core.RateLimitEntry
	require.NoError(t, json.Unmarshal(listed.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "course_generation:a", entries[0].Scope)

	var dryRun bytes.Buffer
	require.NoError(t, resetRateLimits(ctx, db, core.RateLimitQuery{All: true}, true, output.FormatTable, &dryRun))
	assert.Equal(t, "Would delete 3 rate limit entr(ies)\n", dryRun.String())

	var reset bytes.Buffer
	require.NoError(t, resetRateLimits(ctx, db, core.RateLimitQuery{Scope: "lesson_chat:a"}, false, output.FormatJSON, &reset))
	var result output.ResetResult
	require.NoError(t, json.Unmarshal(reset.Bytes(), &result))
	assert.Equal(t, output.ResetResult{Matched: 1, Deleted: 1}, result)

	listed.Reset()
	require.NoError(t, listRateLimits(ctx, db, core.RateLimitQuery{}, output.FormatJSON, &listed))
	require.NoError(t, json.Unmarshal(listed.Bytes(), &entries))
	assert.Len(t, entries, 2)
}

func TestCheckResetQuery(t *testing.T) {
	require.ErrorIs(t, checkResetQuery(core.RateLimitQuery{}, false, false), core.ErrEmptyQuery)

	err := checkResetQuery(core.RateLimitQuery{All: true}, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	require.NoError(t, checkResetQuery(core.RateLimitQuery{All: true}, true, false))
	require.NoError(t, checkResetQuery(core.RateLimitQuery{All: true}, false, true))
	require.NoError(t, checkResetQuery(core.RateLimitQuery{Scope: "course_generation:a"}, false, false))
	require.Error(t, checkResetQuery(core.RateLimitQuery{Scope: "a", Prefix: "b"}, true, false))
}

func TestOverrideFromFlags(t *testing.T) {
	parse := func(t *testing.T, args ...string) (core.RateLimitOverride, error) {
		t.Helper()
		cmd := &cobra.Command{Use: "test"}
		addOverrideFlags(cmd)
		require.NoError(t, cmd.Flags().Parse(args))
		return overrideFromFlags(cmd)
	}

	override, err := parse(t)
	require.NoError(t, err)
	assert.True(t, override.IsZero())

	override, err = parse(t, "--max-attempts", "5", "--window", "30m", "--cooldown", "0s")
	require.NoError(t, err)
	assert.Equal(t, 5, override.MaxAttempts)
	assert.Equal(t, 30*time.Minute, override.Window)
	require.NotNil(t, override.Cooldown, "an explicit zero cooldown disables it")
	assert.Zero(t, *override.Cooldown)

	_, err = parse(t, "--max-attempts", "-1")
	require.Error(t, err)
	_, err = parse(t, "--cooldown", "-5s")
	require.Error(t, err)
}

func TestOpenCommandSink(t *testing.T) {
	dir := t.TempDir()
	cmd := &cobra.Command{Use: "test"}
	addOutputFlags(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--out-dir", dir}))

	sink, err := openCommandSink(cmd, output.FormatYAML, "rate-limit.status.course_generation:user-42")
	require.NoError(t, err)
	defer func() { _ = sink.close() }()
	assert.Equal(t, filepath.Join(dir, "rate-limit.status.course_generation-user-42.yaml"), sink.path)

	both := &cobra.Command{Use: "test"}
	addOutputFlags(both)
	require.NoError(t, both.Flags().Parse([]string{"--out-dir", dir, "--out", "x.json"}))
	_, err = openCommandSink(both, output.FormatJSON, "x")
	require.Error(t, err)
}

func TestReloaderAppliesRateLimits(t *testing.T) {
	observability.InitCLILogger(config.AppName, false)
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	viper.Reset()
	t.Cleanup(viper.Reset)

	limiter := newTestLimiter(t, newMemoryStore(t), core.DefaultRateLimit)
	reload := newReloader(limiter, 2*time.Minute)

	viper.Set("rate_limit.max_attempts", 7)
	viper.Set("rate_limits.lesson_chat.max_attempts", 20)
	viper.Set("rate_limits.lesson_chat.window", "1m")
	require.NoError(t, reload(context.Background()))

	limits, err := limiter.Config("uploads:user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, limits.MaxAttempts)

	limits, err = limiter.Config("lesson_chat:42")
	require.NoError(t, err)
	assert.Equal(t, core.RateLimitConfig{MaxAttempts: 20, Window: time.Minute}, limits)

	viper.Set("rate_limit.max_attempts", 0)
	require.Error(t, reload(context.Background()))

	limits, err = limiter.Config("uploads:user-1")
	require.NoError(t, err)
	assert.Equal(t, 7, limits.MaxAttempts, "a rejected reload keeps the running limits")
}
