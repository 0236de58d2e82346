package counters

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for dev/test use.
// It reproduces the tumbling-bucket semantics of the Redis store: counter
// TTLs are fixed at first write, set TTLs refresh on every add.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]*bucket
	sets   map[string]*setBucket
	now    func() time.Time // injectable for tests
}

type bucket struct {
	count     int64
	expiresAt time.Time
}

type setBucket struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts: make(map[string]*bucket),
		sets:   make(map[string]*setBucket),
		now:    time.Now,
	}
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.counts[key]
	if !ok || !b.expiresAt.After(now) {
		// New bucket: first write sets the TTL.
		b = &bucket{expiresAt: now.Add(window)}
		s.counts[key] = b
	}
	b.count++
	return b.count, nil
}

func (s *MemoryStore) AddToSet(_ context.Context, key string, member string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.sets[key]
	if !ok || !b.expiresAt.After(now) {
		b = &setBucket{members: make(map[string]struct{})}
		s.sets[key] = b
	}
	b.members[member] = struct{}{}
	b.expiresAt = now.Add(window) // TTL extends on every add
	return int64(len(b.members)), nil
}

// Reset drops all state. For tests.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts = make(map[string]*bucket)
	s.sets = make(map[string]*setBucket)
}

// SetClock overrides the time source. For tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// sweep removes expired buckets. Called opportunistically by Sweep; stores
// self-expire on read so this only bounds memory.
func (s *MemoryStore) sweep(now time.Time) int {
	removed := 0
	for k, b := range s.counts {
		if !b.expiresAt.After(now) {
			delete(s.counts, k)
			removed++
		}
	}
	for k, b := range s.sets {
		if !b.expiresAt.After(now) {
			delete(s.sets, k)
			removed++
		}
	}
	return removed
}

// Sweep removes expired buckets and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweep(s.now())
}
