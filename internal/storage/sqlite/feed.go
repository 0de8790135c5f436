package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
)

var feedColumns = []string{
	"source", "title", "snippet", "url", "thumbnail", "author", "community", "video_id",
	"upvotes", "comments", "views", "published_at",
	"relevance_score", "stage_score", "is_alert", "alert_kind", "reasoning", "analysis",
}

// ReplaceFeed publishes a corridor's scored items, replacing the previous run.
// Items are stored in the given order; readers sort by relevance and then position.
func (c *Client) ReplaceFeed(ctx context.Context, origin, destination string, items []models.ScoredItem, refreshedAt time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin feed transaction: %w", err)
	}
	defer tx.Rollback()

	originKey, destinationKey := routeKey(origin), routeKey(destination)

	if _, err := tx.ExecContext(ctx, `DELETE FROM corridor_feed WHERE origin = ? AND destination = ?`, originKey, destinationKey); err != nil {
		return fmt.Errorf("failed to clear previous feed: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO corridor_feed (origin, destination, position, source, title, snippet, url, thumbnail,
			author, community, video_id, upvotes, comments, views, published_at,
			relevance_score, stage_score, is_alert, alert_kind, reasoning, analysis, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare feed insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		var analysis sql.NullString
		if item.Analysis != nil {
			data, err := json.Marshal(item.Analysis)
			if err != nil {
				return fmt.Errorf("failed to marshal analysis: %w", err)
			}
			analysis = sql.NullString{String: string(data), Valid: true}
		}

		alertKind := item.AlertKind
		if alertKind == "" {
			alertKind = models.AlertNone
		}

		published := item.PublishedAt
		_, err := stmt.ExecContext(ctx,
			originKey,
			destinationKey,
			i,
			string(item.Source),
			item.Title,
			item.Snippet,
			item.URL,
			item.Thumbnail,
			item.Author,
			item.Community,
			item.VideoID,
			item.Upvotes,
			item.Comments,
			item.Views,
			nullableMillis(&published),
			item.RelevanceScore,
			item.StageScore,
			boolToInt(item.IsAlert),
			string(alertKind),
			item.Reasoning,
			analysis,
			refreshedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert feed item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit feed: %w", err)
	}

	logger.Info("Corridor feed published",
		zap.String("origin", origin),
		zap.String("destination", destination),
		zap.Int("items", len(items)),
	)
	return nil
}

type FeedQuery struct {
	Origin      string
	Destination string
	Limit       int
	// Source restricts the result to one source; empty means all.
	Source models.Source
}

func (c *Client) GetFeed(ctx context.Context, q FeedQuery) ([]models.ScoredItem, error) {
	where := sq.Eq{"destination": routeKey(q.Destination)}
	if q.Origin != "" {
		where["origin"] = routeKey(q.Origin)
	}
	if q.Source != "" {
		where["source"] = string(q.Source)
	}

	builder := sq.Select(feedColumns...).
		From("corridor_feed").
		Where(where).
		OrderBy("relevance_score DESC", "position ASC")
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build feed query: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	defer rows.Close()

	items := make([]models.ScoredItem, 0)
	for rows.Next() {
		var item models.ScoredItem
		var source, alertKind string
		var isAlert int
		var publishedAt sql.NullInt64
		var analysis sql.NullString

		err := rows.Scan(
			&source,
			&item.Title,
			&item.Snippet,
			&item.URL,
			&item.Thumbnail,
			&item.Author,
			&item.Community,
			&item.VideoID,
			&item.Upvotes,
			&item.Comments,
			&item.Views,
			&publishedAt,
			&item.RelevanceScore,
			&item.StageScore,
			&isAlert,
			&alertKind,
			&item.Reasoning,
			&analysis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		item.Source = models.Source(source)
		item.AlertKind = models.AlertKind(alertKind)
		item.IsAlert = isAlert == 1
		if t := fromNullableMillis(publishedAt); t != nil {
			item.PublishedAt = *t
		}
		if analysis.Valid {
			var va models.VideoAnalysis
			if err := json.Unmarshal([]byte(analysis.String), &va); err != nil {
				logger.Warn("Skipping undecodable stored analysis", zap.String("url", item.URL), zap.Error(err))
			} else {
				item.Analysis = &va
			}
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
