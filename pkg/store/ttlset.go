package store

import (
	"sync"
	"time"
)

// TTLSet is a concurrency-safe seen-set with per-entry expiry. The gateway
// uses one for event-level dedup, the dispatcher for already-sent
// idempotency keys. Entries are dropped lazily on access and in bulk by the
// janitor's Prune.
type TTLSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func NewTTLSet(ttl time.Duration) *TTLSet {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TTLSet{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Seen marks key as observed and reports whether it was already present
// (and unexpired). The first caller for a key gets false.
func (s *TTLSet) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.entries[key]; ok && now.Before(expiry) {
		return true
	}
	s.entries[key] = now.Add(s.ttl)
	return false
}

// Contains reports presence without marking.
func (s *TTLSet) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.entries[key]
	return ok && time.Now().Before(expiry)
}

func (s *TTLSet) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	pruned := 0
	for key, expiry := range s.entries {
		if now.After(expiry) {
			delete(s.entries, key)
			pruned++
		}
	}
	return pruned
}

func (s *TTLSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
