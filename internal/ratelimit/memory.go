package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	hits      int
	expiresAt time.Time
}

// MemoryCounter is a process-local Counter. It is suitable for a single
// replica; multiple replicas should share the SQL store instead.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memoryEntry)}
}

// IncrementCounter implements Counter.
func (m *MemoryCounter) IncrementCounter(ctx context.Context, key string, limit int, expiresAt time.Time) (int, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	if limit <= 0 {
		return 0, false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &memoryEntry{hits: 1, expiresAt: expiresAt}
		return 1, true, nil
	}
	if e.hits >= limit {
		return e.hits, false, nil
	}
	e.hits++
	return e.hits, true, nil
}

// PurgeExpiredCounters implements Purger.
func (m *MemoryCounter) PurgeExpiredCounters(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live counters.
func (m *MemoryCounter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
