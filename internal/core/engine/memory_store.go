package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/amu-labs/gatekeep/internal/core"
)

// MemoryAttemptStore keeps attempt logs in process memory. State is lost on
// restart.
type MemoryAttemptStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	log       core.AttemptLog
	updatedAt time.Time
}

// NewMemoryAttemptStore returns an empty store.
func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryAttemptStore) GetAttemptLog(_ context.Context, scope string) (*core.AttemptLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[scope]
	if !ok {
		return nil, nil
	}
	return cloneLog(&entry.log), nil
}

func (m *MemoryAttemptStore) UpdateAttemptLog(_ context.Context, scope string, log *core.AttemptLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = make(map[string]memoryEntry)
	}
	m.entries[scope] = memoryEntry{log: *cloneLog(log), updatedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryAttemptStore) DeleteAttemptLog(_ context.Context, scope string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, scope)
	return nil
}

func (m *MemoryAttemptStore) ListRateLimits(_ context.Context, q core.RateLimitQuery) ([]core.RateLimitEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := []core.RateLimitEntry{}
	for scope, entry := range m.entries {
		if !q.Matches(scope) {
			continue
		}
		entries = append(entries, core.RateLimitEntry{
			Scope:     scope,
			Log:       *cloneLog(&entry.log),
			UpdatedAt: entry.updatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Scope < entries[j].Scope })
	return entries, nil
}

func (m *MemoryAttemptStore) CountRateLimits(ctx context.Context, q core.RateLimitQuery) (int, error) {
	entries, err := m.ListRateLimits(ctx, q)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (m *MemoryAttemptStore) ResetRateLimits(_ context.Context, q core.RateLimitQuery) (int64, error) {
	if err := q.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for scope := range m.entries {
		if q.Matches(scope) {
			delete(m.entries, scope)
			removed++
		}
	}
	return removed, nil
}

func cloneLog(log *core.AttemptLog) *core.AttemptLog {
	if log == nil {
		return &core.AttemptLog{}
	}
	out := &core.AttemptLog{Attempts: append([]time.Time(nil), log.Attempts...)}
	if log.CooldownStart != nil {
		start := *log.CooldownStart
		out.CooldownStart = &start
	}
	return out
}
