package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"qrcheckout/backend/internal/domain"
)

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, orderCode string) (*domain.PaymentStatusResponse, bool, error) {
	val, err := c.client.Get(ctx, statusKey(orderCode)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	var resp domain.PaymentStatusResponse
	if err := json.Unmarshal(val, &resp); err != nil {
		return nil, false, fmt.Errorf("unmarshal status failed: %w", err)
	}
	if resp.PaymentStatus != domain.PaymentStatusPaid {
		return nil, false, nil
	}
	return &resp, true, nil
}

func (c *RedisCache) Set(ctx context.Context, orderCode string, value *domain.PaymentStatusResponse, ttl time.Duration) error {
	if value == nil || value.PaymentStatus != domain.PaymentStatusPaid {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(orderCode), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, lockKey(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return ok, nil
}

func (c *RedisCache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, lockKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func statusKey(orderCode string) string {
	return "payment-status:" + orderCode
}

func lockKey(key string) string {
	return "checkout-lock:" + key
}
