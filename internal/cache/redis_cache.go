package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tokoatuy/backend/internal/domain"
)

const aggregateSnapshotKey = "aggregates:snapshot"

type RedisAggregateCache struct {
	client *redis.Client
}

func NewRedisAggregateCache(addr string, password string, db int) *RedisAggregateCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisAggregateCache{client: client}
}

func (c *RedisAggregateCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisAggregateCache) Close() error {
	return c.client.Close()
}

func (c *RedisAggregateCache) Get(ctx context.Context) ([]domain.ProductAggregate, bool, error) {
	val, err := c.client.Get(ctx, aggregateSnapshotKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var aggs []domain.ProductAggregate
	if err := json.Unmarshal([]byte(val), &aggs); err != nil {
		return nil, false, err
	}
	return aggs, true, nil
}

func (c *RedisAggregateCache) Set(ctx context.Context, aggs []domain.ProductAggregate, ttl time.Duration) error {
	if aggs == nil {
		return nil
	}
	payload, err := json.Marshal(aggs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, aggregateSnapshotKey, payload, ttl).Err()
}

func (c *RedisAggregateCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, aggregateSnapshotKey).Err()
}
