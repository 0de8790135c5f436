// Package cache defines the TTL key/value contract shared by every pipeline
// component. Expired entries read as absent; writes are last-writer-wins.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/pkg/logger"
)

type Store interface {
	// Get returns ok=false for missing or expired keys. An error means the
	// backend itself failed, never that the key was absent.
	Get(ctx context.Context, key string) (payload []byte, ok bool, err error)
	Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes a cached value into dst. Backend failures and undecodable
// payloads are logged and reported as a miss.
func GetJSON(ctx context.Context, store Store, key string, dst any) bool {
	payload, ok, err := store.Get(ctx, key)
	if err != nil {
		logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		metrics.CacheMisses.WithLabelValues(namespace(key)).Inc()
		return false
	}
	if !ok {
		metrics.CacheMisses.WithLabelValues(namespace(key)).Inc()
		return false
	}

	if err := json.Unmarshal(payload, dst); err != nil {
		logger.Warn("Discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		metrics.CacheMisses.WithLabelValues(namespace(key)).Inc()
		return false
	}

	metrics.CacheHits.WithLabelValues(namespace(key)).Inc()
	logger.Debug("Cache hit", zap.String("key", key))
	return true
}

func SetJSON(ctx context.Context, store Store, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	if err := store.Set(ctx, key, payload, ttl); err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}

	logger.Debug("Cache set", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func namespace(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}
