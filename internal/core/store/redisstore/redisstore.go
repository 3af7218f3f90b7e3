// Package redisstore keeps attempt logs in redis so several gateway
// instances observe the same limits.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amu-labs/gatekeep/internal/config"
	"github.com/amu-labs/gatekeep/internal/core"
)

const scanBatch = 100

// Store is an attempt store backed by one redis string per scope.
type Store struct {
	cli    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type record struct {
	Attempts      []int64 `json:"attempts"`
	CooldownStart *int64  `json:"cooldown_start,omitempty"`
	UpdatedAt     int64   `json:"updated_at"`
}

// NewClient builds a redis client from cfg. Sentinels select a failover
// client for MasterName.
func NewClient(cfg config.RedisConfig) redis.UniversalClient {
	if len(cfg.Sentinels) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Sentinels,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DB:            cfg.DB,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New wraps cli. Keys are "<prefix>:<scope>" and expire ttl after their last
// update; a zero ttl keeps them until reset.
func New(cli redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "gatekeep:attempts"
	}
	return &Store{cli: cli, prefix: prefix, ttl: ttl}
}

// Open connects using cfg and verifies the server answers.
func Open(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	cli := NewClient(cfg)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(cli, cfg.KeyPrefix, cfg.TTL), nil
}

func (s *Store) GetAttemptLog(ctx context.Context, scope string) (*core.AttemptLog, error) {
	if err := s.ready(scope); err != nil {
		return nil, err
	}

	payload, err := s.cli.Get(ctx, s.key(scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", scope, err)
	}

	rec, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("scope %s: %w", scope, err)
	}
	return rec.log(), nil
}

func (s *Store) UpdateAttemptLog(ctx context.Context, scope string, log *core.AttemptLog) error {
	return s.UpdateAttemptLogRetained(ctx, scope, log, 0)
}

// UpdateAttemptLogRetained stores log with a TTL of at least retain, so a
// window longer than the configured TTL does not lose attempts early.
func (s *Store) UpdateAttemptLogRetained(ctx context.Context, scope string, log *core.AttemptLog, retain time.Duration) error {
	if err := s.ready(scope); err != nil {
		return err
	}
	if log == nil {
		return errors.New("attempt log is required")
	}

	payload, err := json.Marshal(newRecord(log, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("encode attempts: %w", err)
	}
	if err := s.cli.Set(ctx, s.key(scope), payload, s.expiry(retain)).Err(); err != nil {
		return fmt.Errorf("set %s: %w", scope, err)
	}
	return nil
}

func (s *Store) DeleteAttemptLog(ctx context.Context, scope string) error {
	if err := s.ready(scope); err != nil {
		return err
	}
	if err := s.cli.Del(ctx, s.key(scope)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", scope, err)
	}
	return nil
}

// ListRateLimits scans the keyspace for scopes selected by q.
func (s *Store) ListRateLimits(ctx context.Context, q core.RateLimitQuery) ([]core.RateLimitEntry, error) {
	keys, err := s.scan(ctx, q)
	if err != nil {
		return nil, err
	}

	entries := make([]core.RateLimitEntry, 0, len(keys))
	for _, key := range keys {
		payload, err := s.cli.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SCAN and GET.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", key, err)
		}

		rec, err := decode(payload)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		entries = append(entries, core.RateLimitEntry{
			Scope:     s.scope(key),
			Log:       *rec.log(),
			UpdatedAt: time.UnixMilli(rec.UpdatedAt).UTC(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Scope < entries[j].Scope })
	return entries, nil
}

func (s *Store) CountRateLimits(ctx context.Context, q core.RateLimitQuery) (int, error) {
	keys, err := s.scan(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s *Store) ResetRateLimits(ctx context.Context, q core.RateLimitQuery) (int64, error) {
	keys, err := s.scan(ctx, q)
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	removed, err := s.cli.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("reset rate limits: %w", err)
	}
	return removed, nil
}

// CheckHealth pings the server.
func (s *Store) CheckHealth(ctx context.Context) error {
	if s == nil || s.cli == nil {
		return errors.New("redis store is not initialized")
	}
	return s.cli.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s == nil || s.cli == nil {
		return nil
	}
	return s.cli.Close()
}

// Driver returns the store driver name.
func (s *Store) Driver() string {
	return config.DriverRedis
}

func (s *Store) scan(ctx context.Context, q core.RateLimitQuery) ([]string, error) {
	if s == nil || s.cli == nil {
		return nil, errors.New("redis store is not initialized")
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if scope := strings.TrimSpace(q.Scope); scope != "" {
		n, err := s.cli.Exists(ctx, s.key(scope)).Result()
		if err != nil {
			return nil, fmt.Errorf("exists %s: %w", scope, err)
		}
		if n == 0 {
			return nil, nil
		}
		return []string{s.key(scope)}, nil
	}

	match := s.prefix + ":" + escapeGlob(strings.TrimSpace(q.Prefix)) + "*"
	keys := []string{}
	iter := s.cli.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", match, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) ready(scope string) error {
	if s == nil || s.cli == nil {
		return errors.New("redis store is not initialized")
	}
	if strings.TrimSpace(scope) == "" {
		return errors.New("scope is required")
	}
	return nil
}

// expiry is the key TTL for a log that must live for retain. Zero means the
// key never expires.
func (s *Store) expiry(retain time.Duration) time.Duration {
	if s.ttl <= 0 {
		return 0
	}
	return max(s.ttl, retain)
}

func (s *Store) key(scope string) string {
	return s.prefix + ":" + strings.TrimSpace(scope)
}

func (s *Store) scope(key string) string {
	return strings.TrimPrefix(key, s.prefix+":")
}

func escapeGlob(value string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(value)
}

func newRecord(log *core.AttemptLog, now time.Time) record {
	rec := record{Attempts: make([]int64, 0, len(log.Attempts)), UpdatedAt: now.UnixMilli()}
	for _, at := range log.Attempts {
		rec.Attempts = append(rec.Attempts, at.UTC().UnixMilli())
	}
	if log.CooldownStart != nil {
		start := log.CooldownStart.UTC().UnixMilli()
		rec.CooldownStart = &start
	}
	return rec
}

func decode(payload []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return record{}, fmt.Errorf("decode attempts: %w", err)
	}
	return rec, nil
}

func (r record) log() *core.AttemptLog {
	log := &core.AttemptLog{Attempts: make([]time.Time, 0, len(r.Attempts))}
	for _, ms := range r.Attempts {
		log.Attempts = append(log.Attempts, time.UnixMilli(ms).UTC())
	}
	if r.CooldownStart != nil {
		start := time.UnixMilli(*r.CooldownStart).UTC()
		log.CooldownStart = &start
	}
	return log
}
