package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cuongbtq/toolmeter/internal/domain"
)

// MemoryStore keeps windows in process memory
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]*domain.RateLimitEntry
}

// NewMemoryStore creates a new MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]*domain.RateLimitEntry)}
}

func (s *MemoryStore) Increment(_ context.Context, identifier, toolSlug string, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identifier + "|" + toolSlug
	for _, e := range s.entries[key] {
		if !now.Before(e.WindowStart) && now.Before(e.WindowEnd) {
			e.Count++
			return Window{Start: e.WindowStart, End: e.WindowEnd, Count: e.Count}, nil
		}
	}

	e := &domain.RateLimitEntry{
		Identifier:  identifier,
		ToolSlug:    toolSlug,
		WindowStart: now,
		WindowEnd:   now.Add(window),
		Count:       1,
	}
	s.entries[key] = append(s.entries[key], e)
	return Window{Start: e.WindowStart, End: e.WindowEnd, Count: e.Count}, nil
}

func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for key, entries := range s.entries {
		kept := entries[:0]
		for _, e := range entries {
			if e.WindowEnd.Before(before) {
				purged++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = kept
		}
	}
	return purged, nil
}
