package research

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/pkg/logger"
)

type TriggerFunc func(ctx context.Context, corridorID string, force bool) (bool, error)

// Trigger is the caller-side guard in front of TriggerResearch. It keeps one
// in-flight flag per corridor so a caller does not re-fire while its run is
// pending. The flag is cleared when the trigger call itself fails, so a
// transport error never blocks the next attempt, and by Settle once the
// caller has seen the run finish.
type Trigger struct {
	fire TriggerFunc

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewTrigger(fire TriggerFunc) *Trigger {
	return &Trigger{
		fire:     fire,
		inFlight: make(map[string]struct{}),
	}
}

// Fire reports whether a trigger call was made and accepted.
func (t *Trigger) Fire(ctx context.Context, corridorID string, force bool) (bool, error) {
	t.mu.Lock()
	if _, busy := t.inFlight[corridorID]; busy {
		t.mu.Unlock()
		return false, nil
	}
	t.inFlight[corridorID] = struct{}{}
	t.mu.Unlock()

	started, err := t.fire(ctx, corridorID, force)
	if err != nil || !started {
		t.Settle(corridorID)
	}
	return started, err
}

func (t *Trigger) Settle(corridorID string) {
	t.mu.Lock()
	delete(t.inFlight, corridorID)
	t.mu.Unlock()
}

func (t *Trigger) InFlight() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.inFlight))
	for id := range t.inFlight {
		ids = append(ids, id)
	}
	return ids
}

// StaleSweeper is the scheduled poll: every interval it triggers the oldest
// corridors whose feed has gone stale.
type StaleSweeper struct {
	service   *Service
	trigger   *Trigger
	interval  time.Duration
	batchSize int
}

func NewStaleSweeper(service *Service, interval time.Duration, batchSize int) *StaleSweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 3
	}
	return &StaleSweeper{
		service:   service,
		trigger:   NewTrigger(service.TriggerResearch),
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run sweeps until ctx is cancelled.
func (w *StaleSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	logger.Info("Stale corridor sweeper started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			logger.Info("Stale corridor sweeper stopped")
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep settles finished runs, then triggers up to batchSize stale corridors.
// It returns how many runs it started.
func (w *StaleSweeper) Sweep(ctx context.Context) int {
	for _, id := range w.trigger.InFlight() {
		state, err := w.service.states.GetResearchState(ctx, id)
		if err != nil || state.Status != models.StatusRefreshing {
			w.trigger.Settle(id)
		}
	}

	staleBefore := w.service.now().UTC().Add(-w.service.cfg.StaleAfter)
	corridors, err := w.service.corridors.ListStaleCorridors(ctx, staleBefore, w.batchSize)
	if err != nil {
		logger.Error("Failed to list stale corridors", zap.Error(err))
		return 0
	}

	started := 0
	for _, c := range corridors {
		ok, err := w.trigger.Fire(ctx, c.ID, false)
		if err != nil {
			logger.Warn("Scheduled research trigger failed", zap.String("corridor_id", c.ID), zap.Error(err))
			continue
		}
		if ok {
			started++
		}
	}

	if started > 0 {
		logger.Info("Stale corridors refreshed", zap.Int("started", started))
	}
	return started
}
