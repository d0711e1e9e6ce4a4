package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Entry struct {
	Count   int
	ResetAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return e.ResetAt.Before(now)
}

// Store holds per-key window state. Hit must check and increment atomically
// with respect to other Hit calls on the same key.
type Store interface {
	// Hit admits one request for key. An absent or expired entry is replaced
	// by a fresh window; a full window is returned unchanged with false.
	Hit(ctx context.Context, key string, now time.Time, window time.Duration, max int) (Entry, bool, error)
	Get(ctx context.Context, key string) (Entry, bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is process-local. Each process in a multi-instance deployment
// keeps an independent view; use a shared Store there.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]Entry{}}
}

func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration, max int) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(now) {
		entry = Entry{Count: 1, ResetAt: now.Add(window)}
		s.entries[key] = entry
		return entry, true, nil
	}
	if entry.Count >= max {
		return entry, false, nil
	}
	entry.Count++
	s.entries[key] = entry
	return entry, true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of tracked keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
