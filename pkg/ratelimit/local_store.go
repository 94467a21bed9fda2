package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SweepInterval is how often expired local windows are dropped
const SweepInterval = 5 * time.Minute

// LocalStore is the in-process fallback counter store. Window semantics
// match the distributed store exactly; the enforced bound is per instance
// only.
type LocalStore struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count    int64
	start    time.Time
	duration time.Duration
}

// NewLocalStore creates an empty local counter store
func NewLocalStore() *LocalStore {
	return &LocalStore{windows: make(map[string]*localWindow)}
}

// Incr increments the key's counter within its current fixed window,
// starting a fresh window when none exists or the previous one expired.
// Never fails.
func (s *LocalStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || now.Sub(w.start) >= w.duration {
		w = &localWindow{start: now, duration: window}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

// TTL reports the remaining window for a key; zero when no window exists
func (s *LocalStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return 0, nil
	}
	remaining := w.duration - time.Since(w.start)
	if remaining < 0 {
		return 0, nil
	}
	return remaining, nil
}

// Sweep drops windows that have expired. Wired to a 5 minute schedule by
// the process bootstrap.
func (s *LocalStore) Sweep() int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		if now.Sub(w.start) >= w.duration {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live windows, for tests and metrics
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
