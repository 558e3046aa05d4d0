package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"soilwatch/internal/config"
	"soilwatch/internal/domain"
)

// RedisStore holds the hot-path state: last reading per device metric for
// the query fast path, device API keys for ingestion auth, and pub/sub
// channels feeding live dashboards.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// UpdateLiveState caches the reading as the device's latest value for its
// metric and publishes it for live subscribers. A single pipeline keeps
// the hot path to one round trip.
func (r *RedisStore) UpdateLiveState(ctx context.Context, rd *domain.Reading) error {
	payload, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	stateKey := fmt.Sprintf("device:%s:latest", rd.DeviceID)
	pubChannel := "soilwatch:readings"

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, stateKey, rd.Metric, payload)
	pipe.Expire(ctx, stateKey, 24*time.Hour)
	pipe.Publish(ctx, pubChannel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// CachedLatest returns the cached latest reading for a device metric, or
// nil when the cache has nothing (callers fall back to Postgres).
func (r *RedisStore) CachedLatest(ctx context.Context, deviceID, metric string) (*domain.Reading, error) {
	key := fmt.Sprintf("device:%s:latest", deviceID)
	raw, err := r.client.HGet(ctx, key, metric).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget failed: %w", err)
	}

	var rd domain.Reading
	if err := json.Unmarshal([]byte(raw), &rd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached reading: %w", err)
	}
	return &rd, nil
}

// GetAPIKey resolves a device API key to its device id. Empty string
// means the key is unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("device:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// PublishAlertEvent pushes a fired/cleared alert onto the alert channel
// for dashboards that subscribe alongside Telegram delivery.
func (r *RedisStore) PublishAlertEvent(ctx context.Context, ev *domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	return r.client.Publish(ctx, "soilwatch:alerts", payload).Err()
}
