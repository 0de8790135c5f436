package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/pkg/logger"
)

type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is its own database.
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err = db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping() error {
	return c.db.Ping()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS corridors (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		origin TEXT NOT NULL,
		destination TEXT NOT NULL,
		stage TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_corridors_user ON corridors(user_id);
	CREATE INDEX IF NOT EXISTS idx_corridors_route ON corridors(origin, destination);

	CREATE TABLE IF NOT EXISTS corridor_research_state (
		corridor_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		last_refreshed_at INTEGER,
		item_count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (corridor_id) REFERENCES corridors(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_research_status ON corridor_research_state(status);

	CREATE TABLE IF NOT EXISTS corridor_feed (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		origin TEXT NOT NULL,
		destination TEXT NOT NULL,
		position INTEGER NOT NULL,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		snippet TEXT NOT NULL,
		url TEXT NOT NULL,
		thumbnail TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		community TEXT NOT NULL DEFAULT '',
		video_id TEXT NOT NULL DEFAULT '',
		upvotes INTEGER NOT NULL DEFAULT 0,
		comments INTEGER NOT NULL DEFAULT 0,
		views INTEGER NOT NULL DEFAULT 0,
		published_at INTEGER,
		relevance_score INTEGER NOT NULL,
		stage_score INTEGER NOT NULL,
		is_alert INTEGER NOT NULL DEFAULT 0,
		alert_kind TEXT NOT NULL DEFAULT 'none',
		reasoning TEXT NOT NULL DEFAULT '',
		analysis TEXT,
		refreshed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feed_route ON corridor_feed(origin, destination, relevance_score);
	CREATE INDEX IF NOT EXISTS idx_feed_source ON corridor_feed(origin, destination, source);

	CREATE TABLE IF NOT EXISTS quota_ledger (
		resource TEXT PRIMARY KEY,
		used INTEGER NOT NULL,
		quota_limit INTEGER NOT NULL,
		window_start INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quota_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		resource TEXT NOT NULL,
		cost INTEGER NOT NULL,
		metadata TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quota_events_resource ON quota_events(resource, created_at);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		cached_at INTEGER NOT NULL,
		ttl_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries(cached_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func routeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
