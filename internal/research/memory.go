package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tribe-relocation/backend/internal/storage/models"
	"github.com/tribe-relocation/backend/internal/storage/sqlite"
)

// MemoryStore keeps corridors, research state and feeds in process. One
// mutex makes every state transition a compare-and-swap.
type MemoryStore struct {
	mu        sync.Mutex
	corridors map[string]models.Corridor
	states    map[string]models.CorridorResearchState
	feeds     map[string][]models.ScoredItem
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		corridors: make(map[string]models.Corridor),
		states:    make(map[string]models.CorridorResearchState),
		feeds:     make(map[string][]models.ScoredItem),
	}
}

func (m *MemoryStore) InsertCorridor(ctx context.Context, corridor *models.Corridor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.corridors[corridor.ID]; ok {
		existing.Stage = corridor.Stage
		m.corridors[corridor.ID] = existing
		return nil
	}
	m.corridors[corridor.ID] = *corridor
	return nil
}

func (m *MemoryStore) GetCorridor(ctx context.Context, id string) (models.Corridor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.corridors[id]
	return c, ok, nil
}

func (m *MemoryStore) ListStaleCorridors(ctx context.Context, staleBefore time.Time, limit int) ([]models.Corridor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []models.Corridor
	for id, c := range m.corridors {
		state, ok := m.states[id]
		if !ok {
			stale = append(stale, c)
			continue
		}
		if state.Status != models.StatusIdle && state.Status != models.StatusComplete {
			continue
		}
		if state.LastRefreshedAt == nil || state.LastRefreshedAt.Before(staleBefore) {
			stale = append(stale, c)
		}
	}

	sort.Slice(stale, func(i, j int) bool {
		li, lj := m.lastRefreshed(stale[i].ID), m.lastRefreshed(stale[j].ID)
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})

	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *MemoryStore) lastRefreshed(id string) time.Time {
	if s, ok := m.states[id]; ok && s.LastRefreshedAt != nil {
		return *s.LastRefreshedAt
	}
	return time.Time{}
}

func (m *MemoryStore) GetResearchState(ctx context.Context, corridorID string) (models.CorridorResearchState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[corridorID]; ok {
		return s, nil
	}
	return models.CorridorResearchState{CorridorID: corridorID, Status: models.StatusIdle}, nil
}

func (m *MemoryStore) TryBeginRefresh(ctx context.Context, corridorID string, force bool, staleBefore, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[corridorID]
	if !ok {
		s = models.CorridorResearchState{CorridorID: corridorID, Status: models.StatusIdle}
	}

	switch s.Status {
	case models.StatusIdle, models.StatusError:
	case models.StatusComplete:
		if !force && s.LastRefreshedAt != nil && !s.LastRefreshedAt.Before(staleBefore) {
			return false, nil
		}
	default:
		return false, nil
	}

	s.Status = models.StatusRefreshing
	s.ErrorMessage = ""
	s.UpdatedAt = now
	m.states[corridorID] = s
	return true, nil
}

func (m *MemoryStore) CompleteRefresh(ctx context.Context, corridorID string, itemCount int, at time.Time) error {
	return m.finish(corridorID, func(s *models.CorridorResearchState) {
		s.Status = models.StatusComplete
		s.ErrorMessage = ""
		s.ItemCount = itemCount
		refreshed := at
		s.LastRefreshedAt = &refreshed
		s.UpdatedAt = at
	})
}

func (m *MemoryStore) FailRefresh(ctx context.Context, corridorID, message string, at time.Time) error {
	return m.finish(corridorID, func(s *models.CorridorResearchState) {
		s.Status = models.StatusError
		s.ErrorMessage = message
		s.UpdatedAt = at
	})
}

func (m *MemoryStore) finish(corridorID string, apply func(*models.CorridorResearchState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[corridorID]
	if !ok || s.Status != models.StatusRefreshing {
		return fmt.Errorf("corridor %s is not refreshing", corridorID)
	}
	apply(&s)
	m.states[corridorID] = s
	return nil
}

func (m *MemoryStore) ReplaceFeed(ctx context.Context, origin, destination string, items []models.ScoredItem, refreshedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.feeds[feedKey(origin, destination)] = append([]models.ScoredItem(nil), items...)
	return nil
}

func (m *MemoryStore) GetFeed(ctx context.Context, q sqlite.FeedQuery) ([]models.ScoredItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.ScoredItem, 0)
	for key, items := range m.feeds {
		origin, destination, _ := strings.Cut(key, "\x00")
		if destination != normalize(q.Destination) || (q.Origin != "" && origin != normalize(q.Origin)) {
			continue
		}
		for _, item := range items {
			if q.Source != "" && item.Source != q.Source {
				continue
			}
			out = append(out, item)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RelevanceScore > out[j].RelevanceScore
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func feedKey(origin, destination string) string {
	return normalize(origin) + "\x00" + normalize(destination)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
