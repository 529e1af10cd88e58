// Package storage provides the persistence layer: the key-value Backend
// used by storage nodes, checkpoint stores for run recovery, and the
// execution history store.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/flowkit/types"
)

// Backend is the key-value store used by storage nodes. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Save stores value under key. A zero ttl means no expiry.
	Save(ctx context.Context, key string, value any, ttl time.Duration) error
	// Load returns the stored value, or found=false when absent.
	Load(ctx context.Context, key string) (value any, found bool, err error)
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Append adds value to the list stored at key, creating it if absent.
	Append(ctx context.Context, key string, value any, ttl time.Duration) error
}

type memoryEntry struct {
	value    any
	expireAt time.Time
}

// MemoryBackend is a map-backed Backend for tests and single-process runs.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryBackend) Save(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expireAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

func (m *MemoryBackend) Load(_ context.Context, key string) (any, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expireAt.IsZero() && m.now().After(entry.expireAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryBackend) Append(ctx context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if ok && !entry.expireAt.IsZero() && m.now().After(entry.expireAt) {
		ok = false
	}
	var list []any
	if ok {
		existing, isList := entry.value.([]any)
		if !isList {
			return types.NewError(types.ErrStorageFailed, "append target is not a list")
		}
		list = existing
	}
	entry = memoryEntry{value: append(list, value)}
	if ttl > 0 {
		entry.expireAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}
