package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amu-labs/gatekeep/internal/core"
)

// GetAttemptLog returns the stored attempt log for scope, or nil when the
// scope has none.
func (s *Store) GetAttemptLog(ctx context.Context, scope string) (*core.AttemptLog, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	scope = strings.TrimSpace(scope)
	if scope == "" {
		return nil, errors.New("scope is required")
	}

	var (
		attempts      string
		cooldownStart sql.NullInt64
	)
	row := s.DB.QueryRowContext(ctx, `
		SELECT attempts, cooldown_start
		FROM rate_limit_attempts
		WHERE scope = ?
	`, scope)
	if err := row.Scan(&attempts, &cooldownStart); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch attempts: %w", err)
	}

	return decodeAttemptLog(attempts, cooldownStart)
}

// UpdateAttemptLog replaces the stored attempt log for scope.
func (s *Store) UpdateAttemptLog(ctx context.Context, scope string, log *core.AttemptLog) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	scope = strings.TrimSpace(scope)
	if scope == "" {
		return errors.New("scope is required")
	}
	if log == nil {
		return errors.New("attempt log is required")
	}

	attempts, cooldownStart, err := encodeAttemptLog(log)
	if err != nil {
		return err
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO rate_limit_attempts (scope, attempts, cooldown_start, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			attempts = excluded.attempts,
			cooldown_start = excluded.cooldown_start,
			updated_at = excluded.updated_at
	`, scope, attempts, cooldownStart, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store attempts: %w", err)
	}
	return nil
}

// DeleteAttemptLog removes the attempt log for scope. Deleting a missing
// scope is not an error.
func (s *Store) DeleteAttemptLog(ctx context.Context, scope string) error {
	if strings.TrimSpace(scope) == "" {
		return errors.New("scope is required")
	}
	_, err := s.ResetRateLimits(ctx, core.RateLimitQuery{Scope: scope})
	return err
}

// encodeAttemptLog stores attempts as a JSON array of Unix milliseconds.
func encodeAttemptLog(log *core.AttemptLog) (string, sql.NullInt64, error) {
	millis := make([]int64, 0, len(log.Attempts))
	for _, at := range log.Attempts {
		millis = append(millis, at.UTC().UnixMilli())
	}
	payload, err := json.Marshal(millis)
	if err != nil {
		return "", sql.NullInt64{}, fmt.Errorf("encode attempts: %w", err)
	}

	var cooldownStart sql.NullInt64
	if log.CooldownStart != nil {
		cooldownStart = sql.NullInt64{Int64: log.CooldownStart.UTC().UnixMilli(), Valid: true}
	}
	return string(payload), cooldownStart, nil
}

func decodeAttemptLog(attempts string, cooldownStart sql.NullInt64) (*core.AttemptLog, error) {
	var millis []int64
	if strings.TrimSpace(attempts) != "" {
		if err := json.Unmarshal([]byte(attempts), &millis); err != nil {
			return nil, fmt.Errorf("decode attempts: %w", err)
		}
	}

	log := &core.AttemptLog{Attempts: make([]time.Time, 0, len(millis))}
	for _, ms := range millis {
		log.Attempts = append(log.Attempts, time.UnixMilli(ms).UTC())
	}
	if cooldownStart.Valid {
		value := time.UnixMilli(cooldownStart.Int64).UTC()
		log.CooldownStart = &value
	}
	return log, nil
}
