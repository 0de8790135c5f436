package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/pkg/logger"
)

const keyPrefix = "corridor:"

type Client struct {
	client *redis.Client
	now    func() time.Time
}

// envelope keeps cachedAt/ttl next to the payload so expiry is decided by the
// same rule as every other backend, independent of Redis key eviction timing.
type envelope struct {
	CachedAt int64  `json:"cached_at"`
	TTLMs    int64  `json:"ttl_ms"`
	Payload  []byte `json:"payload"`
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", addr))

	return NewFromClient(client), nil
}

// NewFromClient wraps an existing go-redis client, e.g. one pointed at miniredis.
func NewFromClient(client *redis.Client) *Client {
	return &Client{client: client, now: time.Now}
}

func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache key: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("Dropping malformed cache envelope", zap.String("key", key), zap.Error(err))
		c.evict(ctx, key)
		return nil, false, nil
	}

	age := c.now().Sub(time.UnixMilli(env.CachedAt))
	if age > time.Duration(env.TTLMs)*time.Millisecond {
		c.evict(ctx, key)
		return nil, false, nil
	}

	return env.Payload, true, nil
}

func (c *Client) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	data, err := json.Marshal(envelope{
		CachedAt: c.now().UnixMilli(),
		TTLMs:    ttl.Milliseconds(),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache envelope: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cache key: %w", err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete cache key: %w", err)
	}
	return nil
}

// InvalidatePrefix removes every key in a namespace, e.g. "feed:".
func (c *Client) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	iter := c.client.Scan(ctx, 0, keyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warn("Failed to delete cache key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		removed++
	}

	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Cache namespace invalidated", zap.String("prefix", prefix), zap.Int("removed", removed))
	return removed, nil
}

func (c *Client) evict(ctx context.Context, key string) {
	if err := c.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		logger.Debug("Lazy eviction failed", zap.String("key", key), zap.Error(err))
	}
}
