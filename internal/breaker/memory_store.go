package breaker

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps breaker state in process memory. Single-process only;
// a scaled-out serving tier must share state through RedisStore. Tests use
// this store.
type MemoryStore struct {
	mu           sync.Mutex
	snap         Snapshot
	probeHeld    bool
	probeExpires time.Time
	now          func() time.Time
}

// NewMemoryStore creates an in-process breaker store starting Closed.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snap: Snapshot{State: StateClosed},
		now:  time.Now,
	}
}

// Snapshot implements Store.
func (s *MemoryStore) Snapshot(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

// IncrFailures implements Store.
func (s *MemoryStore) IncrFailures(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Failures++
	return s.snap.Failures, nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{State: StateClosed}
	s.probeHeld = false
	return nil
}

// Open implements Store.
func (s *MemoryStore) Open(_ context.Context, openedAt, nextProbeAt time.Time, cooldown time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.State = StateOpen
	s.snap.OpenedAt = openedAt
	s.snap.NextProbeAt = nextProbeAt
	s.snap.Cooldown = cooldown
	return nil
}

// ClaimProbe implements Store.
func (s *MemoryStore) ClaimProbe(_ context.Context, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.probeHeld && now.Before(s.probeExpires) {
		return false, nil
	}
	s.probeHeld = true
	s.probeExpires = now.Add(ttl)
	s.snap.State = StateHalfOpen
	return true, nil
}

// ReleaseProbe implements Store.
func (s *MemoryStore) ReleaseProbe(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probeHeld = false
	return nil
}

// SetNow overrides the clock. Test hook.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}
