package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mizan-engine/internal/models"
)

type memoryKey struct {
	class models.CacheClass
	key   string
}

type memoryEntry struct {
	entry models.CacheEntry
	hits  atomic.Int64
}

// MemoryBackend keeps entries in process. Expired entries are never returned and are
// swept lazily on write.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  map[memoryKey]*memoryEntry
	now      func() time.Time
	maxItems int
}

func NewMemoryBackend(maxItems int) *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[memoryKey]*memoryEntry),
		now:      time.Now,
		maxItems: maxItems,
	}
}

// WithClock swaps the time source; used by tests to step past TTLs.
func (b *MemoryBackend) WithClock(now func() time.Time) *MemoryBackend {
	b.now = now
	return b
}

func (b *MemoryBackend) Get(ctx context.Context, class models.CacheClass, key string) (*models.CacheEntry, error) {
	b.mu.RLock()
	stored, ok := b.entries[memoryKey{class, key}]
	b.mu.RUnlock()

	if !ok || stored.entry.Expired(b.now()) {
		return nil, models.ErrCacheMiss
	}

	entry := stored.entry
	entry.HitCount = stored.hits.Add(1)
	return &entry, nil
}

func (b *MemoryBackend) Set(ctx context.Context, entry *models.CacheEntry) error {
	stored := &memoryEntry{entry: *entry}
	stored.entry.HitCount = 0

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxItems > 0 && len(b.entries) >= b.maxItems {
		b.sweepLocked()
	}
	b.entries[memoryKey{entry.Class, entry.KeyHash}] = stored
	return nil
}

func (b *MemoryBackend) Delete(ctx context.Context, class models.CacheClass, key string) error {
	b.mu.Lock()
	delete(b.entries, memoryKey{class, key})
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *MemoryBackend) sweepLocked() {
	now := b.now()
	for k, stored := range b.entries {
		if stored.entry.Expired(now) {
			delete(b.entries, k)
		}
	}
	// Still full: drop the oldest entry.
	if len(b.entries) >= b.maxItems {
		var oldestKey memoryKey
		var oldest time.Time
		first := true
		for k, stored := range b.entries {
			if first || stored.entry.CreatedAt.Before(oldest) {
				oldestKey, oldest, first = k, stored.entry.CreatedAt, false
			}
		}
		delete(b.entries, oldestKey)
	}
}
