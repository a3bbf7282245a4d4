package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mizan-engine/internal/models"
)

// RedisCache is a cache.Backend storing each entry as a hash that Redis expires at
// CreatedAt+TTL.
type RedisCache struct {
	service *RedisService
}

func NewRedisCache(service *RedisService) *RedisCache {
	return &RedisCache{service: service}
}

// readEntry bumps the hit count and returns the hash in one step, and only for a key
// that still exists, so an entry expiring mid-read never comes back without a TTL.
var readEntry = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
return redis.call('HGETALL', KEYS[1])
`)

func cacheKey(class models.CacheClass, key string) string {
	return fmt.Sprintf("cache:%s:%s", class, key)
}

func (c *RedisCache) Get(ctx context.Context, class models.CacheClass, key string) (*models.CacheEntry, error) {
	redisKey := cacheKey(class, key)

	reply, err := readEntry.Run(ctx, c.service.memory, []string{redisKey}).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrCacheMiss
	}
	if err != nil {
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to read cache entry").WithCause(err)
	}
	data := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		data[reply[i]] = reply[i+1]
	}
	if len(data) == 0 {
		return nil, models.ErrCacheMiss
	}

	createdAt, err := time.Parse(time.RFC3339Nano, data["created_at"])
	if err != nil {
		return nil, models.ErrCacheMiss
	}
	ttlMs, err := strconv.ParseInt(data["ttl_ms"], 10, 64)
	if err != nil {
		return nil, models.ErrCacheMiss
	}
	entry := &models.CacheEntry{
		Class:     class,
		KeyHash:   key,
		Payload:   []byte(data["payload"]),
		CreatedAt: createdAt,
		TTL:       time.Duration(ttlMs) * time.Millisecond,
	}
	// Redis expiry has millisecond granularity; never hand out an entry past its TTL.
	if entry.Expired(time.Now()) {
		return nil, models.ErrCacheMiss
	}

	entry.HitCount, _ = strconv.ParseInt(data["hit_count"], 10, 64)
	return entry, nil
}

func (c *RedisCache) Set(ctx context.Context, entry *models.CacheEntry) error {
	redisKey := cacheKey(entry.Class, entry.KeyHash)

	pipe := c.service.memory.TxPipeline()
	pipe.Del(ctx, redisKey)
	pipe.HSet(ctx, redisKey, map[string]interface{}{
		"payload":    string(entry.Payload),
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
		"ttl_ms":     entry.TTL.Milliseconds(),
		"hit_count":  0,
	})
	pipe.PExpireAt(ctx, redisKey, entry.ExpiresAt())

	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewExternalError("REDIS_STORE_FAILED", "Failed to store cache entry").WithCause(err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, class models.CacheClass, key string) error {
	if err := c.service.memory.Del(ctx, cacheKey(class, key)).Err(); err != nil {
		return models.NewExternalError("REDIS_DELETE_FAILED", "Failed to delete cache entry").WithCause(err)
	}
	return nil
}
