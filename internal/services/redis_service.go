package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

// RedisService holds the two Redis connections: streams for turn progress and memory
// for cache entries, checkpoints and user memory.
type RedisService struct {
	streams *redis.Client
	memory  *redis.Client
	logger  *logger.Logger
	config  config.RedisConfig
}

func NewRedisService(config config.RedisConfig, log *logger.Logger) (*RedisService, error) {
	streamsOpt, err := redis.ParseURL(config.StreamsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis Streams URL : %w", err)
	}

	memoryOpt, err := redis.ParseURL(config.MemoryURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis Memory URL : %w", err)
	}

	configureRedisOptions(streamsOpt, config)
	configureRedisOptions(memoryOpt, config)

	service := &RedisService{
		streams: redis.NewClient(streamsOpt),
		memory:  redis.NewClient(memoryOpt),
		logger:  log,
		config:  config,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("connection to Redis failed: %w", err)
	}

	log.Info("Redis Service Initialized Successfully",
		"streams_url", config.StreamsURL,
		"memory_url", config.MemoryURL,
		"pool_size", config.PoolSize)

	return service, nil
}

func (service *RedisService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return service.HealthCheck(ctx)
}

func configureRedisOptions(opt *redis.Options, cfg config.RedisConfig) {
	if cfg.PoolSize > 0 {
		opt.PoolSize = cfg.PoolSize
	}
	if cfg.ReadTimeout > 0 {
		opt.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opt.WriteTimeout = cfg.WriteTimeout
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
}

func turnUpdatesStream(conversationID string) string {
	return fmt.Sprintf("conversation:%s:turn_updates", conversationID)
}

// PublishTurnUpdate appends a progress event to the conversation's stream.
func (service *RedisService) PublishTurnUpdate(ctx context.Context, update *models.TurnUpdate) error {
	streamName := turnUpdatesStream(update.ConversationID)

	values := map[string]interface{}{
		"type":      "turn_update",
		"turn_id":   update.TurnID,
		"stage":     string(update.Stage),
		"status":    string(update.Status),
		"message":   update.Message,
		"progress":  fmt.Sprintf("%.2f", update.Progress),
		"timestamp": update.Timestamp.Format(time.RFC3339),
	}
	if update.Data != nil {
		if dataJSON, err := json.Marshal(update.Data); err == nil {
			values["data"] = string(dataJSON)
		} else {
			service.logger.WithError(err).Warn("Failed to marshal turn update data")
		}
	}

	id, err := service.streams.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: values,
		MaxLen: 1024,
		Approx: true,
	}).Result()
	if err != nil {
		service.logger.LogService("redis", "publish_turn_update", 0, map[string]interface{}{
			"stream_name": streamName,
			"turn_id":     update.TurnID,
			"stage":       update.Stage,
		}, err)
		return models.NewExternalError("REDIS_PUBLISH_FAILED", "Failed to publish turn update").WithCause(err)
	}

	service.logger.WithFields(logger.Fields{
		"stream_name": streamName,
		"message_id":  id,
		"turn_id":     update.TurnID,
		"stage":       update.Stage,
		"status":      update.Status,
	}).Debug("Published turn update")
	return nil
}

func (service *RedisService) HealthCheck(ctx context.Context) error {
	if err := service.memory.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Memory Connection Unhealthy: %w", err)
	}
	if err := service.streams.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Streams Connection Unhealthy: %w", err)
	}
	return nil
}

func (service *RedisService) Close() error {
	service.logger.Info("Closing Redis Service")

	var errs []error
	if err := service.streams.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close streams failed: %w", err))
	}
	if err := service.memory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close memory failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("Error closing Redis connections : %v", errs)
	}

	service.logger.Info("Redis Service Closed Successfully")
	return nil
}
