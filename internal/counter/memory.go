package counter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-process counter store with TTL
// support. Used as the Community tier store; correct for a single
// process only, since all atomicity comes from one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*intEntry
	totals   map[string]*floatEntry
	markers  map[string]time.Time
	windows  map[string]*windowEntry
	sets     map[string]*setEntry
}

type intEntry struct {
	count     int64
	expiresAt time.Time
}

type floatEntry struct {
	total     float64
	expiresAt time.Time
}

type windowEntry struct {
	stamps []time.Time
}

type setEntry struct {
	members   map[string]bool
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*intEntry),
		totals:   make(map[string]*floatEntry),
		markers:  make(map[string]time.Time),
		windows:  make(map[string]*windowEntry),
		sets:     make(map[string]*setEntry),
	}
}

// Increment bumps a counter, starting a new TTL window when the
// counter is fresh or expired.
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.counters[key]
	if !ok || now.After(entry.expiresAt) {
		s.counters[key] = &intEntry{count: 1, expiresAt: now.Add(window)}
		return 1, nil
	}

	entry.count++
	return entry.count, nil
}

// IncrementBy accumulates a float total within a TTL window.
func (s *MemoryStore) IncrementBy(ctx context.Context, key string, amount float64, window time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.totals[key]
	if !ok || now.After(entry.expiresAt) {
		s.totals[key] = &floatEntry{total: amount, expiresAt: now.Add(window)}
		return amount, nil
	}

	entry.total += amount
	return entry.total, nil
}

// SetMarker sets a presence marker with a TTL.
func (s *MemoryStore) SetMarker(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[key] = time.Now().Add(ttl)
	return nil
}

// HasMarker reports whether a marker is still live.
func (s *MemoryStore) HasMarker(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.markers[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiresAt) {
		delete(s.markers, key)
		return false, nil
	}
	return true, nil
}

// AppendWindow appends to a rolling window, pruning expired entries
// and capping the window when max > 0.
func (s *MemoryStore) AppendWindow(ctx context.Context, key, member string, window time.Duration, max int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.windows[key]
	if !ok {
		entry = &windowEntry{}
		s.windows[key] = entry
	}

	// Prune entries older than the window.
	cutoff := now.Add(-window)
	kept := entry.stamps[:0]
	for _, st := range entry.stamps {
		if st.After(cutoff) {
			kept = append(kept, st)
		}
	}
	entry.stamps = append(kept, now)

	if max > 0 && len(entry.stamps) > max {
		entry.stamps = entry.stamps[len(entry.stamps)-max:]
	}

	return int64(len(entry.stamps)), nil
}

// AddDistinct adds a member to a TTL-scoped set and returns the
// distinct member count.
func (s *MemoryStore) AddDistinct(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveSet(key, ttl)
	entry.members[member] = true
	return int64(len(entry.members)), nil
}

// Observe adds a member and reports whether it was already present.
func (s *MemoryStore) Observe(ctx context.Context, key, member string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.liveSet(key, ttl)
	seen := entry.members[member]
	entry.members[member] = true
	return seen, nil
}

// BumpOccurrence increments an occurrence counter and resets it when
// the threshold is reached. Only the caller that crosses the
// threshold sees true.
func (s *MemoryStore) BumpOccurrence(ctx context.Context, key string, threshold int64, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &intEntry{expiresAt: now.Add(ttl)}
		s.counters[key] = entry
	}

	entry.count++
	if entry.count >= threshold {
		delete(s.counters, key)
		return true, nil
	}
	return false, nil
}

// Ping checks store health.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*intEntry)
	s.totals = make(map[string]*floatEntry)
	s.markers = make(map[string]time.Time)
	s.windows = make(map[string]*windowEntry)
	s.sets = make(map[string]*setEntry)
	return nil
}

// liveSet returns the set for key, replacing it if expired. Caller
// must hold the mutex.
func (s *MemoryStore) liveSet(key string, ttl time.Duration) *setEntry {
	now := time.Now()
	entry, ok := s.sets[key]
	if !ok || now.After(entry.expiresAt) {
		entry = &setEntry{
			members:   make(map[string]bool),
			expiresAt: now.Add(ttl),
		}
		s.sets[key] = entry
	}
	return entry
}
