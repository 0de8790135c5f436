package quota

import (
	"context"
	"sync"
	"time"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

// MemoryRepository keeps quota records in process. Used in tests and when no
// record store is configured.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]models.QuotaRecord
	events  int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]models.QuotaRecord)}
}

func (m *MemoryRepository) LoadQuota(ctx context.Context, resource string) (models.QuotaRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[resource]
	return record, ok, nil
}

func (m *MemoryRepository) AddQuota(ctx context.Context, resource string, windowStart time.Time, limit, cost int64, metadata map[string]string, at time.Time) (models.QuotaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[resource]
	if !ok || record.WindowStart.Before(windowStart) {
		record = models.QuotaRecord{Resource: resource, WindowStart: windowStart}
	}
	record.Used += cost
	record.Limit = limit
	record.UpdatedAt = at

	m.records[resource] = record
	m.events++
	return record, nil
}

func (m *MemoryRepository) ReserveQuota(ctx context.Context, resource string, windowStart time.Time, limit, cost int64, metadata map[string]string, at time.Time) (models.QuotaRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[resource]
	if !ok || record.WindowStart.Before(windowStart) {
		record = models.QuotaRecord{Resource: resource, Limit: limit, WindowStart: windowStart}
	}
	if record.Used+cost > limit {
		return record, false, nil
	}
	record.Used += cost
	record.Limit = limit
	record.UpdatedAt = at

	m.records[resource] = record
	m.events++
	return record, true, nil
}

func (m *MemoryRepository) RefundQuota(ctx context.Context, resource string, windowStart time.Time, cost int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[resource]
	if !ok || !record.WindowStart.Equal(windowStart) {
		return nil
	}
	record.Used -= cost
	if record.Used < 0 {
		record.Used = 0
	}
	record.UpdatedAt = at
	m.records[resource] = record
	return nil
}

// Events counts recorded charges.
func (m *MemoryRepository) Events() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events
}
