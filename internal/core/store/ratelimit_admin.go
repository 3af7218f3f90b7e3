package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amu-labs/gatekeep/internal/core"
)

func whereClause(q core.RateLimitQuery) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if scope := strings.TrimSpace(q.Scope); scope != "" {
		return "WHERE scope = ?", []any{scope}, nil
	}
	return "WHERE scope LIKE ? ESCAPE '\\'", []any{escapeLike(strings.TrimSpace(q.Prefix)) + "%"}, nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

// ListRateLimits returns the attempt logs selected by q, ordered by scope.
func (s *Store) ListRateLimits(ctx context.Context, q core.RateLimitQuery) ([]core.RateLimitEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := whereClause(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT scope, attempts, cooldown_start, updated_at
		FROM rate_limit_attempts
		%s
		ORDER BY scope
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []core.RateLimitEntry{}
	for rows.Next() {
		var (
			scope         string
			attempts      string
			cooldownStart sql.NullInt64
			updatedAt     int64
		)
		if err := rows.Scan(&scope, &attempts, &cooldownStart, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan rate limits: %w", err)
		}

		log, err := decodeAttemptLog(attempts, cooldownStart)
		if err != nil {
			return nil, fmt.Errorf("scope %s: %w", scope, err)
		}
		entries = append(entries, core.RateLimitEntry{
			Scope:     scope,
			Log:       *log,
			UpdatedAt: time.UnixMilli(updatedAt).UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rate limits: %w", err)
	}
	return entries, nil
}

// CountRateLimits counts the attempt logs selected by q.
func (s *Store) CountRateLimits(ctx context.Context, q core.RateLimitQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := whereClause(q)
	if err != nil {
		return 0, err
	}

	var count int
	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM rate_limit_attempts %s`, where), args...)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rate limits: %w", err)
	}
	return count, nil
}

// ResetRateLimits deletes the attempt logs selected by q and returns how
// many were removed.
func (s *Store) ResetRateLimits(ctx context.Context, q core.RateLimitQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := whereClause(q)
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM rate_limit_attempts %s`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	return affected, nil
}
