// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"
)

// StatsService tracks runtime limiter statistics using lock-free atomic
// counters. All counter operations are safe for concurrent access from
// multiple goroutines. It implements ratelimit.Recorder so the engine can
// report outcomes directly, including fail-open store errors.
type StatsService struct {
	allowed     atomic.Int64
	blocked     atomic.Int64
	storeErrors atomic.Int64

	// Per-action counters (mutex-protected map).
	mu           sync.Mutex
	actionCounts map[string]int64
}

// NewStatsService creates a new StatsService with all counters at zero.
func NewStatsService() *StatsService {
	return &StatsService{
		actionCounts: make(map[string]int64),
	}
}

// RecordAllow increments the allowed counter.
func (s *StatsService) RecordAllow() {
	s.allowed.Add(1)
}

// RecordBlock increments the blocked counter.
func (s *StatsService) RecordBlock() {
	s.blocked.Add(1)
}

// RecordStoreError increments the store error counter.
func (s *StatsService) RecordStoreError() {
	s.storeErrors.Add(1)
}

// RecordAction increments the per-action request counter.
// Empty strings are skipped.
func (s *StatsService) RecordAction(action string) {
	if action == "" {
		return
	}
	s.mu.Lock()
	s.actionCounts[action]++
	s.mu.Unlock()
}

// StoreErrors returns the number of window store failures absorbed so far.
func (s *StatsService) StoreErrors() int64 {
	return s.storeErrors.Load()
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Allowed      int64            `json:"allowed"`
	Blocked      int64            `json:"blocked"`
	StoreErrors  int64            `json:"store_errors"`
	ActionCounts map[string]int64 `json:"action_counts"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	ac := make(map[string]int64, len(s.actionCounts))
	for k, v := range s.actionCounts {
		ac[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Allowed:      s.allowed.Load(),
		Blocked:      s.blocked.Load(),
		StoreErrors:  s.storeErrors.Load(),
		ActionCounts: ac,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.allowed.Store(0)
	s.blocked.Store(0)
	s.storeErrors.Store(0)

	s.mu.Lock()
	s.actionCounts = make(map[string]int64)
	s.mu.Unlock()
}
