package replay

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxKeys bounds the in-memory store when no capacity is configured.
const DefaultMaxKeys = 10_000

// MemoryStore is the reference store: a mutex-guarded map bounded to maxKeys
// rows. Expired rows are pruned on every access; over capacity the oldest
// insertion is evicted first. Re-setting a live key keeps its position.
type MemoryStore struct {
	mu      sync.Mutex
	maxKeys int
	rows    map[string]Row
	order   []string
}

func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &MemoryStore{
		maxKeys: maxKeys,
		rows:    make(map[string]Row),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string, now time.Time) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(now)
	row, ok := s.rows[key]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, row Row, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[key]; !exists {
		s.order = append(s.order, key)
	}
	s.rows[key] = row
	s.pruneLocked(now)
	return nil
}

// Prune drops expired rows and enforces the capacity bound. It returns the
// number of rows removed.
func (s *MemoryStore) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.rows)
	s.pruneLocked(now)
	return before - len(s.rows)
}

// Len reports the number of live rows.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	kept := s.order[:0]
	for _, key := range s.order {
		row, ok := s.rows[key]
		if !ok {
			continue
		}
		if row.Expired(now) {
			delete(s.rows, key)
			continue
		}
		kept = append(kept, key)
	}
	s.order = kept
	for len(s.order) > s.maxKeys {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.rows, oldest)
	}
}
