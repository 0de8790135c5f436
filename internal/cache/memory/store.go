package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tribe-relocation/backend/internal/storage/models"
)

// Store is an in-process cache. Expired entries are evicted on read.
type Store struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	now     func() time.Time
}

func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		entries: make(map[string]models.CacheEntry),
		now:     now,
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.Expired(s.now()) {
		delete(s.entries, key)
		return nil, false, nil
	}

	out := make([]byte, len(entry.Payload))
	copy(out, entry.Payload)
	return out, true, nil
}

func (s *Store) Set(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	stored := make([]byte, len(payload))
	copy(stored, payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = models.CacheEntry{
		Key:      key,
		Payload:  stored,
		CachedAt: s.now(),
		TTL:      ttl,
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len counts stored entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
