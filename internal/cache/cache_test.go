package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		Backend:        "memory",
		ResponseTTL:    time.Hour,
		EmbeddingTTL:   7 * 24 * time.Hour,
		RetrievalTTL:   6 * time.Hour,
		ToolResultTTL:  12 * time.Hour,
		PolicyCheckTTL: time.Hour,
		WebSearchTTL:   30 * time.Minute,
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(c *clock) (*cache.Manager, *cache.MemoryBackend) {
	backend := cache.NewMemoryBackend(0).WithClock(c.Now)
	return cache.NewManager(backend, testCacheConfig(), logger.NewNop()).WithClock(c.Now), backend
}

func TestFetchRecordsHitOnSecondCall(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	manager, _ := newManager(c)
	ctx := context.Background()

	calls := 0
	compute := func(ctx context.Context) ([]float32, error) {
		calls++
		return []float32{0.1, 0.2, 0.3}, nil
	}
	key := cache.Key("what is zakat", "text-embedding-004")

	first, hit, err := cache.Fetch(ctx, manager, models.CacheEmbedding, key, 0, compute)
	if err != nil || hit {
		t.Fatalf("Expected a miss on first call, hit=%v err=%v", hit, err)
	}
	second, hit, err := cache.Fetch(ctx, manager, models.CacheEmbedding, key, 0, compute)
	if err != nil || !hit {
		t.Fatalf("Expected a hit on second call, hit=%v err=%v", hit, err)
	}

	if calls != 1 {
		t.Errorf("Expected compute to run once, ran %d times", calls)
	}
	if len(first) != len(second) || first[2] != second[2] {
		t.Errorf("Expected identical results, got %v and %v", first, second)
	}

	stats := manager.Stats()[models.CacheEmbedding]
	if stats.Hits != 1 || stats.Misses != 1 || stats.Writes != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestExpiredEntriesAreNeverReturned(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	manager, _ := newManager(c)
	ctx := context.Background()

	if err := manager.Set(ctx, models.CachePolicyCheck, "k", "allow", 0); err != nil {
		t.Fatal(err)
	}

	var verdict string
	c.Advance(59 * time.Minute)
	if !manager.Get(ctx, models.CachePolicyCheck, "k", &verdict) {
		t.Fatal("Expected entry within TTL")
	}

	c.Advance(time.Minute)
	if manager.Get(ctx, models.CachePolicyCheck, "k", &verdict) {
		t.Error("Expected entry at created_at+ttl to be expired")
	}
}

func TestClassesAreIndependent(t *testing.T) {
	c := &clock{now: time.Now()}
	manager, _ := newManager(c)
	ctx := context.Background()

	_ = manager.Set(ctx, models.CacheToolResult, "same-key", "tool", 0)
	var out string
	if manager.Get(ctx, models.CacheWebSearch, "same-key", &out) {
		t.Error("Entries must not leak across cache classes")
	}
}

func TestLastWriterWins(t *testing.T) {
	c := &clock{now: time.Now()}
	manager, backend := newManager(c)
	ctx := context.Background()

	_ = manager.Set(ctx, models.CacheResponse, "k", "first", 0)
	var out string
	manager.Get(ctx, models.CacheResponse, "k", &out)
	_ = manager.Set(ctx, models.CacheResponse, "k", "second", 0)

	entry, err := backend.Get(ctx, models.CacheResponse, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(entry.Payload) != `"second"` {
		t.Errorf("Expected last write to win, got %s", entry.Payload)
	}
	if entry.HitCount != 1 {
		t.Errorf("Expected hit count to restart after overwrite, got %d", entry.HitCount)
	}
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := &clock{now: time.Now()}
	manager, backend := newManager(c)

	_, _, err := cache.Fetch(context.Background(), manager, models.CacheRetrieval, "k", 0, func(ctx context.Context) (int, error) {
		return 0, errors.New("vector store down")
	})
	if err == nil {
		t.Fatal("Expected compute error to propagate")
	}
	if backend.Len() != 0 {
		t.Error("Errors must not be cached")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := &clock{now: time.Now()}
	manager, _ := newManager(c)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := cache.Key("k", i%5)
			_ = manager.Set(ctx, models.CacheToolResult, key, i, 0)
			var out int
			manager.Get(ctx, models.CacheToolResult, key, &out)
		}(i)
	}
	wg.Wait()
}
