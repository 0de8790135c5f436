package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

// GetResearchState returns the stored state, or an idle state when the
// corridor has never been refreshed.
func (c *Client) GetResearchState(ctx context.Context, corridorID string) (models.CorridorResearchState, error) {
	query := `
		SELECT status, error_message, last_refreshed_at, item_count, updated_at
		FROM corridor_research_state WHERE corridor_id = ?
	`

	state := models.CorridorResearchState{CorridorID: corridorID}
	var status string
	var lastRefreshed sql.NullInt64
	var updatedAt int64

	err := c.db.QueryRowContext(ctx, query, corridorID).Scan(
		&status,
		&state.ErrorMessage,
		&lastRefreshed,
		&state.ItemCount,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		state.Status = models.StatusIdle
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to get research state: %w", err)
	}

	state.Status = models.ResearchStatus(status)
	state.LastRefreshedAt = fromNullableMillis(lastRefreshed)
	state.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return state, nil
}

// TryBeginRefresh moves a corridor into refreshing with a single conditional
// write. It reports false when another run holds the corridor, or when the
// corridor is complete, not forced and refreshed after staleBefore.
func (c *Client) TryBeginRefresh(ctx context.Context, corridorID string, force bool, staleBefore, now time.Time) (bool, error) {
	query := `
		INSERT INTO corridor_research_state (corridor_id, status, error_message, item_count, updated_at)
		VALUES (?, 'refreshing', '', 0, ?)
		ON CONFLICT(corridor_id) DO UPDATE SET
			status = 'refreshing',
			error_message = '',
			updated_at = excluded.updated_at
		WHERE corridor_research_state.status IN ('idle', 'error')
			OR (corridor_research_state.status = 'complete'
				AND (? = 1
					OR corridor_research_state.last_refreshed_at IS NULL
					OR corridor_research_state.last_refreshed_at < ?))
	`

	res, err := c.db.ExecContext(ctx, query, corridorID, now.UnixMilli(), boolToInt(force), staleBefore.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to begin refresh: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read refresh result: %w", err)
	}
	return n == 1, nil
}

func (c *Client) CompleteRefresh(ctx context.Context, corridorID string, itemCount int, at time.Time) error {
	query := `
		UPDATE corridor_research_state
		SET status = 'complete', error_message = '', last_refreshed_at = ?, item_count = ?, updated_at = ?
		WHERE corridor_id = ? AND status = 'refreshing'
	`
	return c.finishRefresh(ctx, query, at.UnixMilli(), itemCount, at.UnixMilli(), corridorID)
}

func (c *Client) FailRefresh(ctx context.Context, corridorID, message string, at time.Time) error {
	query := `
		UPDATE corridor_research_state
		SET status = 'error', error_message = ?, updated_at = ?
		WHERE corridor_id = ? AND status = 'refreshing'
	`
	return c.finishRefresh(ctx, query, message, at.UnixMilli(), corridorID)
}

func (c *Client) finishRefresh(ctx context.Context, query string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to finish refresh: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read refresh result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("corridor %v is not refreshing", args[len(args)-1])
	}
	return nil
}

// ResetInterrupted fails every run left in refreshing, e.g. by a crash. It is
// meant for startup, before any new run can begin.
func (c *Client) ResetInterrupted(ctx context.Context, message string, at time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
		UPDATE corridor_research_state
		SET status = 'error', error_message = ?, updated_at = ?
		WHERE status = 'refreshing'
	`, message, at.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted refreshes: %w", err)
	}
	return res.RowsAffected()
}
