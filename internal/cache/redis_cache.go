package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pharmaweb/backend/internal/domain"
)

type RedisAlertCache struct {
	client *redis.Client
}

func NewRedisAlertCache(client *redis.Client) *RedisAlertCache {
	return &RedisAlertCache{client: client}
}

func (c *RedisAlertCache) Get(ctx context.Context, key string) ([]domain.StockAlert, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var alerts []domain.StockAlert
	if err := json.Unmarshal([]byte(val), &alerts); err != nil {
		return nil, false, err
	}
	return alerts, true, nil
}

func (c *RedisAlertCache) Set(ctx context.Context, key string, value []domain.StockAlert, ttl time.Duration) error {
	if value == nil {
		value = []domain.StockAlert{}
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisAlertCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
