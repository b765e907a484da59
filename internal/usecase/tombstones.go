package usecase

import (
	"sync"
	"time"
)

// TombstoneSet remembers recently deleted storage keys so that late replication commands
// cannot resurrect a revoked ticket. Entries expire after ttl and are removed by Sweep.
type TombstoneSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

// NewTombstoneSet constructs a set whose entries live for ttl.
func NewTombstoneSet(ttl time.Duration) *TombstoneSet {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TombstoneSet{entries: make(map[string]time.Time), ttl: ttl}
}

// Add records key as deleted at the given instant.
func (s *TombstoneSet) Add(key string, at time.Time) {
	s.mu.Lock()
	s.entries[key] = at.Add(s.ttl)
	s.mu.Unlock()
}

// Contains reports whether key was deleted within the tombstone window.
func (s *TombstoneSet) Contains(key string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.entries[key]
	return ok && at.Before(expiresAt)
}

// Forget drops the tombstone for key.
func (s *TombstoneSet) Forget(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Sweep removes lapsed tombstones and returns how many were dropped.
func (s *TombstoneSet) Sweep(at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, expiresAt := range s.entries {
		if !at.Before(expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked tombstones, including lapsed ones not yet swept.
func (s *TombstoneSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
