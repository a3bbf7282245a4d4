package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mizan-engine/internal/models"
)

// RedisCheckpointStore keeps the latest checkpoint of each turn under
// checkpoint:<conversation>:<turn>, with a turn index for lookups by turn id.
type RedisCheckpointStore struct {
	service *RedisService
	ttl     time.Duration
}

func NewRedisCheckpointStore(service *RedisService, ttl time.Duration) *RedisCheckpointStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCheckpointStore{service: service, ttl: ttl}
}

func checkpointKey(conversationID, turnID string) string {
	return fmt.Sprintf("checkpoint:%s:%s", conversationID, turnID)
}

func turnIndexKey(turnID string) string {
	return fmt.Sprintf("turn:%s:conversation", turnID)
}

func (s *RedisCheckpointStore) Save(ctx context.Context, state *models.ConversationTurnState) error {
	startTime := time.Now()

	raw, err := state.Marshal()
	if err != nil {
		return err
	}

	pipe := s.service.memory.TxPipeline()
	pipe.Set(ctx, checkpointKey(state.ConversationID, state.TurnID), raw, s.ttl)
	pipe.Set(ctx, turnIndexKey(state.TurnID), state.ConversationID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.service.logger.LogService("redis", "save_checkpoint", time.Since(startTime), map[string]interface{}{
			"turn_id": state.TurnID,
		}, err)
		return models.NewExternalError("REDIS_STORE_FAILED", "Failed to store checkpoint").WithCause(err)
	}
	return nil
}

func (s *RedisCheckpointStore) Load(ctx context.Context, conversationID, turnID string) (*models.ConversationTurnState, error) {
	raw, err := s.service.memory.Get(ctx, checkpointKey(conversationID, turnID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrCheckpointMissing.WithMetadata("turn_id", turnID)
		}
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to load checkpoint").WithCause(err)
	}
	return models.UnmarshalTurnState(raw)
}

func (s *RedisCheckpointStore) LoadByTurnID(ctx context.Context, turnID string) (*models.ConversationTurnState, error) {
	conversationID, err := s.service.memory.Get(ctx, turnIndexKey(turnID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrCheckpointMissing.WithMetadata("turn_id", turnID)
		}
		return nil, models.NewExternalError("REDIS_GET_FAILED", "Failed to load turn index").WithCause(err)
	}
	return s.Load(ctx, conversationID, turnID)
}
