package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	bucket    Bucket
	expiresAt time.Time
}

// MemoryStore keeps buckets in process. It is the store for single-instance
// deployments and for tests.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[string]*memoryEntry
	now          func() time.Time
	cleanupEvery time.Duration
}

type MemoryStoreOption func(*MemoryStore)

func WithStoreClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.cleanupEvery = d }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]*memoryEntry),
		now:          time.Now,
		cleanupEvery: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply runs the refill step under the store lock.
func (s *MemoryStore) Apply(_ context.Context, key string, p Policy, nowMs int64, debit bool, ttl time.Duration) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := Bucket{Tokens: p.Capacity, LastRefill: nowMs}
	if e := s.live(key); e != nil {
		current = e.bucket
	}

	next, admitted := p.Advance(current, nowMs, debit)
	s.entries[key] = &memoryEntry{
		bucket:    next,
		expiresAt: s.now().Add(ttl),
	}
	return next, admitted, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Len reports the number of stored buckets, expired ones included until the next cleanup.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup drops expired buckets.
func (s *MemoryStore) Cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor runs Cleanup every cleanupEvery until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}

// live returns the entry for key unless it is missing or expired. Caller holds mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil
	}
	return e
}
