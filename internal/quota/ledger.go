// Package quota tracks consumption of rate-limited external resources in
// fixed calendar windows and gates calls that would exceed the limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/metrics"
	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
)

var ErrUnknownResource = errors.New("unknown quota resource")

type Window string

const (
	WindowDaily   Window = "daily"
	WindowMonthly Window = "monthly"
)

// Start returns the UTC start of the window containing t.
func (w Window) Start(t time.Time) time.Time {
	t = t.UTC()
	if w == WindowMonthly {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Next returns the start of the window following the one that begins at start.
func (w Window) Next(start time.Time) time.Time {
	if w == WindowMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

type Resource struct {
	Name   string
	Limit  int64
	Window Window
}

type Status struct {
	Resource       string    `json:"resource"`
	Used           int64     `json:"used"`
	Limit          int64     `json:"limit"`
	Available      int64     `json:"available"`
	WindowStart    time.Time `json:"window_start"`
	ResetAt        time.Time `json:"reset_at"`
	DaysUntilReset int       `json:"days_until_reset"`
}

// Allows reports whether a call costing cost fits in the remaining headroom.
func (s Status) Allows(cost int64) bool {
	return s.Available >= cost
}

// Repository is the durable side of the ledger. AddQuota must apply the
// window rollover and the increment as one atomic operation. ReserveQuota
// does the same but leaves the record untouched when the increment would
// take usage past limit. RefundQuota undoes part of a reservation made in
// windowStart and is a no-op once that window has rolled over.
type Repository interface {
	LoadQuota(ctx context.Context, resource string) (models.QuotaRecord, bool, error)
	AddQuota(ctx context.Context, resource string, windowStart time.Time, limit, cost int64, metadata map[string]string, at time.Time) (models.QuotaRecord, error)
	ReserveQuota(ctx context.Context, resource string, windowStart time.Time, limit, cost int64, metadata map[string]string, at time.Time) (models.QuotaRecord, bool, error)
	RefundQuota(ctx context.Context, resource string, windowStart time.Time, cost int64, at time.Time) error
}

type Ledger struct {
	repo      Repository
	mu        sync.RWMutex
	resources map[string]Resource
	now       func() time.Time
}

func NewLedger(repo Repository, resources ...Resource) *Ledger {
	l := &Ledger{
		repo:      repo,
		resources: make(map[string]Resource),
		now:       time.Now,
	}
	for _, r := range resources {
		l.Register(r)
	}
	return l
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) Register(r Resource) {
	if r.Window == "" {
		r.Window = WindowDaily
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.resources[r.Name] = r
}

func (l *Ledger) resource(name string) (Resource, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.resources[name]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return r, nil
}

func (l *Ledger) CheckAvailable(ctx context.Context, name string) (Status, error) {
	r, err := l.resource(name)
	if err != nil {
		return Status{}, err
	}

	record, ok, err := l.repo.LoadQuota(ctx, name)
	if err != nil {
		return Status{}, fmt.Errorf("failed to check quota %s: %w", name, err)
	}

	now := l.now()
	start := r.Window.Start(now)

	var used int64
	if ok && !record.WindowStart.Before(start) {
		used = record.Used
	}

	return l.status(r, used, start, now), nil
}

// Charge records cost against the current window. It is called after the
// external call was issued, so an overrun is still recorded and only logged.
func (l *Ledger) Charge(ctx context.Context, name string, cost int64, metadata map[string]string) error {
	r, err := l.resource(name)
	if err != nil {
		return err
	}
	if cost <= 0 {
		return fmt.Errorf("quota cost must be positive, got %d", cost)
	}

	now := l.now()
	record, err := l.repo.AddQuota(ctx, name, r.Window.Start(now), r.Limit, cost, metadata, now)
	if err != nil {
		return fmt.Errorf("failed to charge quota %s: %w", name, err)
	}

	metrics.QuotaUsed.WithLabelValues(name).Set(float64(record.Used))

	if record.Used > r.Limit {
		logger.Warn("Quota limit exceeded",
			zap.String("resource", name),
			zap.Int64("used", record.Used),
			zap.Int64("limit", r.Limit),
		)
	} else {
		logger.Debug("Quota charged",
			zap.String("resource", name),
			zap.Int64("cost", cost),
			zap.Int64("used", record.Used),
		)
	}
	return nil
}

// Reserve charges cost against the current window only if it fits in the
// remaining headroom. Check and charge happen in one repository operation, so
// concurrent callers cannot overrun the limit. A denied reservation is counted
// but is not an error.
func (l *Ledger) Reserve(ctx context.Context, name string, cost int64, metadata map[string]string) (Status, bool, error) {
	r, err := l.resource(name)
	if err != nil {
		return Status{}, false, err
	}
	if cost <= 0 {
		return Status{}, false, fmt.Errorf("quota cost must be positive, got %d", cost)
	}

	now := l.now()
	start := r.Window.Start(now)
	record, ok, err := l.repo.ReserveQuota(ctx, name, start, r.Limit, cost, metadata, now)
	if err != nil {
		return Status{}, false, fmt.Errorf("failed to reserve quota %s: %w", name, err)
	}

	var used int64
	if !record.WindowStart.Before(start) {
		used = record.Used
	}
	status := l.status(r, used, start, now)

	if !ok {
		metrics.QuotaDenied.WithLabelValues(name).Inc()
		logger.Info("Quota headroom exhausted",
			zap.String("resource", name),
			zap.Int64("cost", cost),
			zap.Int64("available", status.Available),
		)
		return status, false, nil
	}

	metrics.QuotaUsed.WithLabelValues(name).Set(float64(used))
	logger.Debug("Quota reserved",
		zap.String("resource", name),
		zap.Int64("cost", cost),
		zap.Int64("used", used),
	)
	return status, true, nil
}

// Refund gives back cost reserved in the window starting at windowStart. It
// is used when the reserved call fails.
func (l *Ledger) Refund(ctx context.Context, name string, cost int64, windowStart time.Time) error {
	if _, err := l.resource(name); err != nil {
		return err
	}
	if cost <= 0 {
		return fmt.Errorf("quota cost must be positive, got %d", cost)
	}

	if err := l.repo.RefundQuota(ctx, name, windowStart, cost, l.now()); err != nil {
		return fmt.Errorf("failed to refund quota %s: %w", name, err)
	}
	logger.Debug("Quota refunded", zap.String("resource", name), zap.Int64("cost", cost))
	return nil
}

func (l *Ledger) status(r Resource, used int64, start, now time.Time) Status {
	resetAt := r.Window.Next(start)
	available := r.Limit - used
	if available < 0 {
		available = 0
	}

	return Status{
		Resource:       r.Name,
		Used:           used,
		Limit:          r.Limit,
		Available:      available,
		WindowStart:    start,
		ResetAt:        resetAt,
		DaysUntilReset: DaysUntil(now, resetAt),
	}
}

// DaysUntil counts started days between now and resetAt, rounding up.
func DaysUntil(now, resetAt time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
