package service

import (
	"sync"
	"testing"
)

func TestStatsService_Counters(t *testing.T) {
	s := NewStatsService()

	for i := 0; i < 5; i++ {
		s.RecordAllow()
	}
	for i := 0; i < 3; i++ {
		s.RecordBlock()
	}
	s.RecordStoreError()
	s.RecordAction("add-asset")
	s.RecordAction("add-asset")
	s.RecordAction("auth")
	s.RecordAction("") // skipped

	stats := s.GetStats()
	if stats.Allowed != 5 {
		t.Errorf("expected 5 allowed, got %d", stats.Allowed)
	}
	if stats.Blocked != 3 {
		t.Errorf("expected 3 blocked, got %d", stats.Blocked)
	}
	if stats.StoreErrors != 1 {
		t.Errorf("expected 1 store error, got %d", stats.StoreErrors)
	}
	if stats.ActionCounts["add-asset"] != 2 {
		t.Errorf("expected 2 add-asset, got %d", stats.ActionCounts["add-asset"])
	}
	if stats.ActionCounts["auth"] != 1 {
		t.Errorf("expected 1 auth, got %d", stats.ActionCounts["auth"])
	}
	if _, ok := stats.ActionCounts[""]; ok {
		t.Error("expected empty action to be skipped")
	}

	if got := s.StoreErrors(); got != 1 {
		t.Errorf("expected StoreErrors 1, got %d", got)
	}
}

func TestStatsService_ConcurrentRecording(t *testing.T) {
	s := NewStatsService()

	const goroutines = 20
	const perGoroutine = 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				s.RecordAllow()
				s.RecordAction("global")
			}
		}()
	}
	wg.Wait()

	stats := s.GetStats()
	if want := int64(goroutines * perGoroutine); stats.Allowed != want {
		t.Errorf("expected %d allowed, got %d", want, stats.Allowed)
	}
	if want := int64(goroutines * perGoroutine); stats.ActionCounts["global"] != want {
		t.Errorf("expected %d global, got %d", want, stats.ActionCounts["global"])
	}
}

func TestStatsService_Reset(t *testing.T) {
	s := NewStatsService()
	s.RecordAllow()
	s.RecordBlock()
	s.RecordStoreError()
	s.RecordAction("auth")

	s.Reset()

	stats := s.GetStats()
	if stats.Allowed != 0 || stats.Blocked != 0 || stats.StoreErrors != 0 {
		t.Errorf("expected all counters zero after reset, got %+v", stats)
	}
	if len(stats.ActionCounts) != 0 {
		t.Errorf("expected empty action counts after reset, got %v", stats.ActionCounts)
	}
}

func TestStatsService_SnapshotIsACopy(t *testing.T) {
	s := NewStatsService()
	s.RecordAction("auth")

	stats := s.GetStats()
	stats.ActionCounts["auth"] = 99

	if s.GetStats().ActionCounts["auth"] != 1 {
		t.Error("expected snapshot mutation to leave internal state untouched")
	}
}
