package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zjoart/go-estate-crowdfund/pkg/config"
	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
)

const (
	WebhookQueue = "webhook_events"
	FailedQueue  = "failed_webhook_events"
)

type RedisClient struct {
	Client *redis.Client
}

// WebhookEvent is the queued form of a verified gateway event. Object holds
// the raw gateway object so the worker decodes it per event type.
type WebhookEvent struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Account    string          `json:"account,omitempty"`
	Object     json.RawMessage `json:"object"`
	ReceivedAt time.Time       `json:"received_at"`
}

func NewRedisClient(cfg config.Config) *RedisClient {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		logger.Error("Failed to parse Redis url", logger.Fields{"error": err.Error()})
		opt = &redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       0,
		}
	}

	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		logger.Error("Failed to connect to Redis", logger.Fields{"error": err.Error(), "addr": opt.Addr})
	} else {
		logger.Info("Connected to Redis", logger.Fields{"addr": opt.Addr})
	}

	return &RedisClient{Client: rdb}
}

func (r *RedisClient) PublishEvent(ctx context.Context, event WebhookEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := r.Client.RPush(ctx, WebhookQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to redis: %w", err)
	}

	return nil
}

// PopEvent blocks up to timeout for the next queued event. It returns
// redis.Nil when the queue stayed empty.
func (r *RedisClient) PopEvent(ctx context.Context, timeout time.Duration) ([]byte, error) {
	result, err := r.Client.BLPop(ctx, timeout, WebhookQueue).Result()
	if err != nil {
		return nil, err
	}
	return []byte(result[1]), nil
}

func (r *RedisClient) PushToDLQ(ctx context.Context, data []byte) error {
	if err := r.Client.RPush(ctx, FailedQueue, data).Err(); err != nil {
		return fmt.Errorf("failed to push event to DLQ: %w", err)
	}
	return nil
}

// Claim marks key as taken for ttl. It reports false when someone already
// holds the claim.
func (r *RedisClient) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisClient) Release(ctx context.Context, key string) error {
	return r.Client.Del(ctx, key).Err()
}

func IsEmpty(err error) bool {
	return errors.Is(err, redis.Nil)
}
