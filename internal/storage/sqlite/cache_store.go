package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
)

// CacheStore persists cache entries in the cache_entries table so cached
// videos and analyses survive restarts without Redis.
type CacheStore struct {
	client *Client
}

func (c *Client) CacheStore() *CacheStore {
	return &CacheStore{client: c}
}

func (s *CacheStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry := models.CacheEntry{Key: key}
	var cachedAt, ttlMs int64

	err := s.client.db.QueryRowContext(ctx,
		`SELECT payload, cached_at, ttl_ms FROM cache_entries WHERE key = ?`, key,
	).Scan(&entry.Payload, &cachedAt, &ttlMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	entry.CachedAt = time.UnixMilli(cachedAt)
	entry.TTL = time.Duration(ttlMs) * time.Millisecond
	if entry.Expired(s.client.now()) {
		if _, err := s.client.db.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ? AND cached_at = ?`, key, cachedAt,
		); err != nil {
			logger.Debug("Lazy eviction failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false, nil
	}

	return entry.Payload, true, nil
}

func (s *CacheStore) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	query := `
		INSERT INTO cache_entries (key, payload, cached_at, ttl_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			cached_at = excluded.cached_at,
			ttl_ms = excluded.ttl_ms
	`
	if _, err := s.client.db.ExecContext(ctx, query, key, payload, s.client.now().UnixMilli(), ttl.Milliseconds()); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (s *CacheStore) Delete(ctx context.Context, key string) error {
	if _, err := s.client.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// PurgeExpired removes every entry past its TTL and returns how many were dropped.
func (s *CacheStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.client.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cached_at + ttl_ms < ?`, s.client.now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge cache entries: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	if n > 0 {
		logger.Info("Expired cache entries purged", zap.Int64("removed", n))
	}
	return n, nil
}
