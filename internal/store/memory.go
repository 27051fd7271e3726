package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/serroba/quota-gate/internal/ratelimit"
)

// MemoryStore is an in-process implementation of ratelimit.Store.
// It has no scripting, so a Gate over it uses the list fallback.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	timestamps []float64
	expiresAt  time.Time // zero means no expiry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(time.Now)
}

// NewMemoryStoreWithClock creates an in-memory store that expires lists against now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     now,
	}
}

// Timestamps returns a copy of the list under key, or nil once it has expired.
func (m *MemoryStore) Timestamps(_ context.Context, key string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}

	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)

		return nil, nil
	}

	return slices.Clone(entry.timestamps), nil
}

// SaveTimestamps replaces the list under key. A non-positive ttl never expires.
func (m *MemoryStore) SaveTimestamps(_ context.Context, key string, timestamps []float64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{timestamps: slices.Clone(timestamps)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}

	m.entries[key] = entry

	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Compile-time check.
var _ ratelimit.Store = (*MemoryStore)(nil)
