package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/civic-points/approval"
	"github.com/warp/civic-points/config"
)

// DefaultChannel is the Redis channel decisions are published on.
const DefaultChannel = "civic-points.decisions"

// RedisPublisher publishes DecisionMade events as JSON on a Redis channel.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
}

// NewRedisPublisher connects to Redis. An unreachable server is logged, not
// fatal: publishing fails later and the workflow logs it.
func NewRedisPublisher(cfg config.RedisConfig, logger *zap.Logger) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("unable to reach redis", zap.Error(err))
	} else {
		logger.Info("connected to redis", zap.String("addr", cfg.Addr))
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{Client: client, Channel: channel}
}

// Publish sends the event to the channel.
func (r *RedisPublisher) Publish(ctx context.Context, event approval.DecisionMade) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	if err := r.Client.Publish(ctx, r.Channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}
	return nil
}

// Ping verifies Redis connectivity.
func (r *RedisPublisher) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return errors.New("redis client not configured")
	}
	return r.Client.Ping(ctx).Err()
}

// Close closes the client.
func (r *RedisPublisher) Close() {
	if r != nil && r.Client != nil {
		_ = r.Client.Close()
	}
}
