package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps window counters in process memory. Correct only for a
// single-process deployment: counters are not shared across replicas, so a
// horizontally scaled tier must use RedisStore instead. Tests use this store.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	start time.Time
	count int64
}

// NewMemoryStore creates an in-process window store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, op string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[op]
	if !ok || now.Sub(w.start) >= window {
		w = &memoryWindow{start: now}
		s.windows[op] = w
	}
	w.count++
	remaining := window - now.Sub(w.start)
	return w.count, remaining, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, op string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[op]
	if !ok || s.now().Sub(w.start) >= window {
		return 0, nil
	}
	return w.count, nil
}

// SetNow overrides the clock. Test hook.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
