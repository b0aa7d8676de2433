// Package ratelimit implements the per-identity submission counter behind
// the security stage's rate-limit check. The increment-and-check must be
// atomic per identity: concurrent submissions from the same sender must not
// over-admit.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Result reports the outcome of one increment-and-check.
type Result struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// CounterStore is the per-identity counter abstraction. Allow atomically
// records one attempt for the identity and reports whether it fits within
// limit over the window.
type CounterStore interface {
	Allow(ctx context.Context, identity string, limit int, window time.Duration) (*Result, error)
	// Count returns the current attempt count for an identity without
	// recording one.
	Count(ctx context.Context, identity string) (int, error)
	// Reset clears the counter for an identity.
	Reset(ctx context.Context, identity string) error
}

// MemoryStore implements CounterStore with an in-memory sliding window.
// Single-process only; use RedisStore for multi-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

// NewMemoryStore creates an in-memory counter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*slidingWindow),
		nowFunc: time.Now,
	}
}

// WithNow sets a fixed clock for testing.
func (s *MemoryStore) WithNow(now func() time.Time) *MemoryStore {
	s.nowFunc = now
	return s
}

// Allow records one attempt and checks it against the limit. The whole
// operation runs under the store lock, so concurrent callers for the same
// identity serialize.
func (s *MemoryStore) Allow(_ context.Context, identity string, limit int, window time.Duration) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	sw := s.windows[identity]
	if sw == nil {
		sw = &slidingWindow{window: window}
		s.windows[identity] = sw
	}
	sw.window = window
	sw.prune(now)

	if len(sw.timestamps) >= limit {
		return &Result{
			Allowed:   false,
			Remaining: 0,
			Limit:     limit,
			ResetAt:   sw.timestamps[0].Add(window),
		}, nil
	}

	sw.timestamps = append(sw.timestamps, now)
	return &Result{
		Allowed:   true,
		Remaining: limit - len(sw.timestamps),
		Limit:     limit,
		ResetAt:   sw.timestamps[0].Add(window),
	}, nil
}

// Count returns the current attempt count for an identity.
func (s *MemoryStore) Count(_ context.Context, identity string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw := s.windows[identity]
	if sw == nil {
		return 0, nil
	}
	sw.prune(s.nowFunc())
	return len(sw.timestamps), nil
}

// Reset clears the counter for an identity.
func (s *MemoryStore) Reset(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, identity)
	return nil
}

func (sw *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}
