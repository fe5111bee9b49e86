package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used in tests and as a fallback
// when no Redis is configured. Claims honor the same atomicity contract
// as the Redis implementation.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	flights map[string]time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		flights: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[key]
	if !ok || time.Now().After(stored.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	entry := stored.entry
	return &entry, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{entry: *entry, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expiry, ok := s.flights[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	s.flights[key] = time.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flights, key)
	return nil
}

func (s *MemoryStore) InvalidateVersion(_ context.Context, version string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := "query:" + version + ":"
	deleted := 0
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}
