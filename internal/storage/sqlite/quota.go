package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

func (c *Client) LoadQuota(ctx context.Context, resource string) (models.QuotaRecord, bool, error) {
	query := `SELECT resource, used, quota_limit, window_start, updated_at FROM quota_ledger WHERE resource = ?`

	var record models.QuotaRecord
	var windowStart, updatedAt int64
	err := c.db.QueryRowContext(ctx, query, resource).Scan(
		&record.Resource,
		&record.Used,
		&record.Limit,
		&windowStart,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QuotaRecord{}, false, nil
	}
	if err != nil {
		return models.QuotaRecord{}, false, fmt.Errorf("failed to load quota: %w", err)
	}

	record.WindowStart = time.UnixMilli(windowStart).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return record, true, nil
}

// AddQuota charges cost against resource inside one transaction. A row whose
// window_start predates windowStart is reset before the cost is applied.
func (c *Client) AddQuota(ctx context.Context, resource string, windowStart time.Time, limit, cost int64, metadata map[string]string, at time.Time) (models.QuotaRecord, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QuotaRecord{}, fmt.Errorf("failed to begin quota transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO quota_ledger (resource, used, quota_limit, window_start, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource) DO UPDATE SET
			used = CASE
				WHEN quota_ledger.window_start < excluded.window_start THEN excluded.used
				ELSE quota_ledger.used + excluded.used
			END,
			window_start = MAX(quota_ledger.window_start, excluded.window_start),
			quota_limit = excluded.quota_limit,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, upsert, resource, cost, limit, windowStart.UnixMilli(), at.UnixMilli()); err != nil {
		return models.QuotaRecord{}, fmt.Errorf("failed to charge quota: %w", err)
	}

	if err := insertQuotaEvent(ctx, tx, resource, cost, metadata, at); err != nil {
		return models.QuotaRecord{}, err
	}

	record, err := selectQuota(ctx, tx, resource)
	if err != nil {
		return models.QuotaRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.QuotaRecord{}, fmt.Errorf("failed to commit quota: %w", err)
	}
	return record, nil
}

// ReserveQuota charges cost only when the window-adjusted usage plus cost stays
// within limit. The check and the increment are one conditional upsert, so
// concurrent reservations can never push usage past the limit. The returned
// record reflects the row after the attempt; ok is false when nothing was charged.
func (c *Client) ReserveQuota(ctx context.Context, resource string, windowStart time.Time, limit, cost int64, metadata map[string]string, at time.Time) (models.QuotaRecord, bool, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return models.QuotaRecord{}, false, fmt.Errorf("failed to begin quota transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO quota_ledger (resource, used, quota_limit, window_start, updated_at)
		SELECT ?, ?, ?, ?, ? WHERE ? <= ?
		ON CONFLICT(resource) DO UPDATE SET
			used = CASE
				WHEN quota_ledger.window_start < excluded.window_start THEN excluded.used
				ELSE quota_ledger.used + excluded.used
			END,
			window_start = MAX(quota_ledger.window_start, excluded.window_start),
			quota_limit = excluded.quota_limit,
			updated_at = excluded.updated_at
		WHERE CASE
			WHEN quota_ledger.window_start < excluded.window_start THEN 0
			ELSE quota_ledger.used
		END + excluded.used <= excluded.quota_limit
	`
	res, err := tx.ExecContext(ctx, upsert,
		resource, cost, limit, windowStart.UnixMilli(), at.UnixMilli(),
		cost, limit,
	)
	if err != nil {
		return models.QuotaRecord{}, false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.QuotaRecord{}, false, fmt.Errorf("failed to reserve quota: %w", err)
	}
	reserved := affected > 0

	if reserved {
		if err := insertQuotaEvent(ctx, tx, resource, cost, metadata, at); err != nil {
			return models.QuotaRecord{}, false, err
		}
	}

	record, err := selectQuota(ctx, tx, resource)
	if errors.Is(err, sql.ErrNoRows) {
		record = models.QuotaRecord{Resource: resource, Limit: limit, WindowStart: windowStart}
	} else if err != nil {
		return models.QuotaRecord{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.QuotaRecord{}, false, fmt.Errorf("failed to commit quota: %w", err)
	}
	return record, reserved, nil
}

// RefundQuota returns cost to resource when the row still belongs to the
// window the cost was reserved in. Usage never drops below zero. Refunds are
// kept in quota_events with a negative cost.
func (c *Client) RefundQuota(ctx context.Context, resource string, windowStart time.Time, cost int64, at time.Time) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin quota transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE quota_ledger SET used = MAX(used - ?, 0), updated_at = ? WHERE resource = ? AND window_start = ?`,
		cost, at.UnixMilli(), resource, windowStart.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to refund quota: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to refund quota: %w", err)
	} else if n == 0 {
		return nil
	}

	if err := insertQuotaEvent(ctx, tx, resource, -cost, map[string]string{"operation": "refund"}, at); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quota: %w", err)
	}
	return nil
}

func insertQuotaEvent(ctx context.Context, tx *sql.Tx, resource string, cost int64, metadata map[string]string, at time.Time) error {
	var meta sql.NullString
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal quota metadata: %w", err)
		}
		meta = sql.NullString{String: string(data), Valid: true}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO quota_events (resource, cost, metadata, created_at) VALUES (?, ?, ?, ?)`,
		resource, cost, meta, at.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to record quota event: %w", err)
	}
	return nil
}

func selectQuota(ctx context.Context, tx *sql.Tx, resource string) (models.QuotaRecord, error) {
	var record models.QuotaRecord
	var start, updated int64
	err := tx.QueryRowContext(ctx,
		`SELECT resource, used, quota_limit, window_start, updated_at FROM quota_ledger WHERE resource = ?`,
		resource,
	).Scan(&record.Resource, &record.Used, &record.Limit, &start, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.QuotaRecord{}, err
	}
	if err != nil {
		return models.QuotaRecord{}, fmt.Errorf("failed to read quota: %w", err)
	}

	record.WindowStart = time.UnixMilli(start).UTC()
	record.UpdatedAt = time.UnixMilli(updated).UTC()
	return record, nil
}

// CountQuotaEvents returns how many charges were recorded for resource since the given time.
func (c *Client) CountQuotaEvents(ctx context.Context, resource string, since time.Time) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quota_events WHERE resource = ? AND cost > 0 AND created_at >= ?`,
		resource, since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count quota events: %w", err)
	}
	return n, nil
}
