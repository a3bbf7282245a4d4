package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mizan-engine/internal/models"
)

const (
	memoryTTL        = 30 * 24 * time.Hour
	memoryMaxFacts   = 100
	memoryRecallSize = 5
)

// RedisMemory keeps a capped list of facts per user, newest first.
type RedisMemory struct {
	service *RedisService
}

func NewRedisMemory(service *RedisService) *RedisMemory {
	return &RedisMemory{service: service}
}

func userMemoryKey(userID string) string {
	return fmt.Sprintf("user:%s:memory", userID)
}

// Recall returns the facts that share the most words with query, newest first on ties.
func (m *RedisMemory) Recall(ctx context.Context, userID, query string) ([]string, error) {
	startTime := time.Now()

	facts, err := m.service.memory.LRange(ctx, userMemoryKey(userID), 0, memoryMaxFacts-1).Result()
	if err != nil {
		m.service.logger.LogService("redis", "recall_memory", time.Since(startTime), map[string]interface{}{"user_id": userID}, err)
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to recall user memory").WithCause(err)
	}

	recalled := RankFacts(facts, query, memoryRecallSize)
	m.service.logger.LogService("redis", "recall_memory", time.Since(startTime), map[string]interface{}{
		"user_id":  userID,
		"stored":   len(facts),
		"recalled": len(recalled),
	}, nil)
	return recalled, nil
}

func (m *RedisMemory) Remember(ctx context.Context, userID string, facts []string) error {
	if len(facts) == 0 {
		return nil
	}
	key := userMemoryKey(userID)

	values := make([]interface{}, len(facts))
	for i, fact := range facts {
		values[i] = fact
	}

	pipe := m.service.memory.TxPipeline()
	pipe.LPush(ctx, key, values...)
	pipe.LTrim(ctx, key, 0, memoryMaxFacts-1)
	pipe.Expire(ctx, key, memoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.NewExternalError("REDIS_UPDATE_FAILED", "Failed to write user memory").WithCause(err)
	}
	return nil
}

// RankFacts orders facts by word overlap with query and keeps at most limit. Facts with
// no overlap are kept only when nothing overlaps.
func RankFacts(facts []string, query string, limit int) []string {
	queryWords := make(map[string]bool)
	for _, word := range strings.Fields(strings.ToLower(query)) {
		if len(word) > 2 {
			queryWords[strings.Trim(word, "?.,!")] = true
		}
	}

	type scored struct {
		fact  string
		score int
	}
	var ranked []scored
	for _, fact := range facts {
		score := 0
		for _, word := range strings.Fields(strings.ToLower(fact)) {
			if queryWords[strings.Trim(word, "?.,!")] {
				score++
			}
		}
		ranked = append(ranked, scored{fact, score})
	}

	// insertion sort keeps it stable and the list is small
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}

	overlap := len(ranked) > 0 && ranked[0].score > 0
	var out []string
	for _, r := range ranked {
		if len(out) == limit || (overlap && r.score == 0) {
			break
		}
		out = append(out, r.fact)
	}
	return out
}
