package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

// Backend stores cache entries. Get returns models.ErrCacheMiss for absent or expired
// entries and bumps the hit count of the entry it returns.
type Backend interface {
	Get(ctx context.Context, class models.CacheClass, key string) (*models.CacheEntry, error)
	Set(ctx context.Context, entry *models.CacheEntry) error
	Delete(ctx context.Context, class models.CacheClass, key string) error
}

type classStats struct {
	hits   atomic.Int64
	misses atomic.Int64
	writes atomic.Int64
	errors atomic.Int64
}

type ClassStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Writes int64 `json:"writes"`
	Errors int64 `json:"errors"`
}

// Manager fronts a Backend with per-class TTLs and JSON payloads. It is the only state
// shared between turns.
type Manager struct {
	backend Backend
	ttls    map[models.CacheClass]time.Duration
	stats   map[models.CacheClass]*classStats
	logger  *logger.Logger
	now     func() time.Time
}

func NewManager(backend Backend, cfg config.CacheConfig, log *logger.Logger) *Manager {
	stats := make(map[models.CacheClass]*classStats)
	for _, class := range models.CacheClasses() {
		stats[class] = &classStats{}
	}
	return &Manager{
		backend: backend,
		ttls: map[models.CacheClass]time.Duration{
			models.CacheResponse:    cfg.ResponseTTL,
			models.CacheEmbedding:   cfg.EmbeddingTTL,
			models.CacheRetrieval:   cfg.RetrievalTTL,
			models.CacheToolResult:  cfg.ToolResultTTL,
			models.CachePolicyCheck: cfg.PolicyCheckTTL,
			models.CacheWebSearch:   cfg.WebSearchTTL,
		},
		stats:  stats,
		logger: log,
		now:    time.Now,
	}
}

// WithClock swaps the time source used for expiry checks.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Key hashes the parts into a cache key.
func Key(parts ...any) string {
	return models.HashKey(parts...)
}

func (m *Manager) TTL(class models.CacheClass) time.Duration {
	return m.ttls[class]
}

// Get decodes the cached payload into v. Backend failures are logged and reported as
// misses; the cache never fails a stage.
func (m *Manager) Get(ctx context.Context, class models.CacheClass, key string, v any) bool {
	entry, ok := m.GetEntry(ctx, class, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(entry.Payload, v); err != nil {
		m.stat(class).errors.Add(1)
		m.logger.WithFields(logger.Fields{"class": class, "key": key}).WithError(err).Warn("Dropping undecodable cache entry")
		_ = m.backend.Delete(ctx, class, key)
		return false
	}
	return true
}

func (m *Manager) GetEntry(ctx context.Context, class models.CacheClass, key string) (*models.CacheEntry, bool) {
	start := time.Now()
	entry, err := m.backend.Get(ctx, class, key)
	if err != nil {
		if !errors.Is(err, models.ErrCacheMiss) {
			m.stat(class).errors.Add(1)
			m.logger.LogService("cache", "get", time.Since(start), map[string]interface{}{"class": class}, err)
		}
		m.stat(class).misses.Add(1)
		return nil, false
	}
	if entry.Expired(m.now()) {
		m.stat(class).misses.Add(1)
		return nil, false
	}
	m.stat(class).hits.Add(1)
	return entry, true
}

// Set stores v under key. A zero ttl uses the class default. Last writer wins.
func (m *Manager) Set(ctx context.Context, class models.CacheClass, key string, v any, ttl time.Duration) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return models.NewInternalError("CACHE_ENCODE", "failed to encode cache payload").WithCause(err)
	}
	if ttl <= 0 {
		ttl = m.ttls[class]
	}
	if ttl <= 0 {
		return nil
	}

	start := time.Now()
	err = m.backend.Set(ctx, &models.CacheEntry{
		Class:     class,
		KeyHash:   key,
		Payload:   payload,
		CreatedAt: m.now(),
		TTL:       ttl,
	})
	if err != nil {
		m.stat(class).errors.Add(1)
		m.logger.LogService("cache", "set", time.Since(start), map[string]interface{}{"class": class}, err)
		return err
	}
	m.stat(class).writes.Add(1)
	return nil
}

func (m *Manager) Delete(ctx context.Context, class models.CacheClass, key string) error {
	return m.backend.Delete(ctx, class, key)
}

// Fetch returns the cached value for key, or computes and stores it. The bool reports a
// cache hit. Compute errors are not cached.
func Fetch[T any](ctx context.Context, m *Manager, class models.CacheClass, key string, ttl time.Duration, compute func(ctx context.Context) (T, error)) (T, bool, error) {
	var cached T
	if m.Get(ctx, class, key, &cached) {
		return cached, true, nil
	}

	value, err := compute(ctx)
	if err != nil {
		return value, false, err
	}
	if err := m.Set(ctx, class, key, value, ttl); err != nil {
		m.logger.WithError(err).Warn("Failed to store computed value in cache")
	}
	return value, false, nil
}

func (m *Manager) Stats() map[models.CacheClass]ClassStats {
	out := make(map[models.CacheClass]ClassStats, len(m.stats))
	for class, s := range m.stats {
		out[class] = ClassStats{
			Hits:   s.hits.Load(),
			Misses: s.misses.Load(),
			Writes: s.writes.Load(),
			Errors: s.errors.Load(),
		}
	}
	return out
}

func (m *Manager) stat(class models.CacheClass) *classStats {
	if s, ok := m.stats[class]; ok {
		return s
	}
	return &classStats{}
}
