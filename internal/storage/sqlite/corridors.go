package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
)

func (c *Client) InsertCorridor(ctx context.Context, corridor *models.Corridor) error {
	query := `
		INSERT INTO corridors (id, user_id, origin, destination, stage, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stage = excluded.stage
	`

	_, err := c.db.ExecContext(ctx, query,
		corridor.ID,
		corridor.UserID,
		corridor.Origin,
		corridor.Destination,
		string(corridor.Stage),
		corridor.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert corridor: %w", err)
	}

	logger.Debug("Corridor stored",
		zap.String("corridor_id", corridor.ID),
		zap.String("origin", corridor.Origin),
		zap.String("destination", corridor.Destination),
	)
	return nil
}

func (c *Client) GetCorridor(ctx context.Context, id string) (models.Corridor, bool, error) {
	query := `SELECT id, user_id, origin, destination, stage, created_at FROM corridors WHERE id = ?`

	var corridor models.Corridor
	var stage string
	var createdAt int64

	err := c.db.QueryRowContext(ctx, query, id).Scan(
		&corridor.ID,
		&corridor.UserID,
		&corridor.Origin,
		&corridor.Destination,
		&stage,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Corridor{}, false, nil
	}
	if err != nil {
		return models.Corridor{}, false, fmt.Errorf("failed to get corridor: %w", err)
	}

	corridor.Stage = models.Stage(stage)
	corridor.CreatedAt = time.UnixMilli(createdAt).UTC()
	return corridor, true, nil
}

// ListStaleCorridors returns idle or complete corridors whose last successful
// refresh is older than staleBefore (or never happened), oldest first. Failed
// corridors are left for their owner to retry.
func (c *Client) ListStaleCorridors(ctx context.Context, staleBefore time.Time, limit int) ([]models.Corridor, error) {
	builder := sq.Select("c.id", "c.user_id", "c.origin", "c.destination", "c.stage", "c.created_at").
		From("corridors c").
		LeftJoin("corridor_research_state s ON s.corridor_id = c.id").
		Where(sq.Or{
			sq.Eq{"s.corridor_id": nil},
			sq.And{
				sq.Eq{"s.status": []string{string(models.StatusIdle), string(models.StatusComplete)}},
				sq.Or{
					sq.Eq{"s.last_refreshed_at": nil},
					sq.Lt{"s.last_refreshed_at": staleBefore.UnixMilli()},
				},
			},
		}).
		OrderBy("COALESCE(s.last_refreshed_at, 0) ASC", "c.created_at ASC")

	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build stale corridor query: %w", err)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale corridors: %w", err)
	}
	defer rows.Close()

	var corridors []models.Corridor
	for rows.Next() {
		var corridor models.Corridor
		var stage string
		var createdAt int64
		if err := rows.Scan(&corridor.ID, &corridor.UserID, &corridor.Origin, &corridor.Destination, &stage, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		corridor.Stage = models.Stage(stage)
		corridor.CreatedAt = time.UnixMilli(createdAt).UTC()
		corridors = append(corridors, corridor)
	}

	return corridors, rows.Err()
}
