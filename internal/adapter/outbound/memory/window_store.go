// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// windowRow is one live or expired counter window.
type windowRow struct {
	start time.Time
	end   time.Time
	count int
}

// pairKey identifies one (identifier, action) counter series.
type pairKey struct {
	identifier string
	action     ratelimit.Action
}

// MemoryWindowStore implements ratelimit.WindowStore with a mutex-protected
// map. Thread-safe for concurrent access. Used for tests and as the quota
// client's non-durable fallback; production servers use the SQLite or Redis
// backends.
//
// Includes background sweep to prevent unbounded memory growth.
type MemoryWindowStore struct {
	mu            sync.Mutex
	windows       map[pairKey][]windowRow
	stopChan      chan struct{}
	wg            sync.WaitGroup
	once          sync.Once
	sweepInterval time.Duration
	logger        *slog.Logger
}

// NewWindowStore creates an in-memory window store with a 5 minute sweep
// interval.
func NewWindowStore(logger *slog.Logger) *MemoryWindowStore {
	return NewWindowStoreWithConfig(5*time.Minute, logger)
}

// NewWindowStoreWithConfig creates an in-memory window store with a custom
// sweep interval.
func NewWindowStoreWithConfig(sweepInterval time.Duration, logger *slog.Logger) *MemoryWindowStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryWindowStore{
		windows:       make(map[pairKey][]windowRow),
		stopChan:      make(chan struct{}),
		sweepInterval: sweepInterval,
		logger:        logger,
	}
}

// UpsertAndIncrement atomically records one request for the pair.
// The mutex spans the existence check and the write, so concurrent callers
// for the same pair never lose updates.
func (s *MemoryWindowStore) UpsertAndIncrement(ctx context.Context, identifier string, action ratelimit.Action, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{identifier: identifier, action: action}
	rows := s.windows[key]

	// Increment the most recent live window if one exists.
	latest := -1
	for i := range rows {
		if rows[i].end.After(now) && (latest < 0 || rows[i].start.After(rows[latest].start)) {
			latest = i
		}
	}
	if latest >= 0 {
		rows[latest].count++
		return rows[latest].count, nil
	}

	s.windows[key] = append(rows, windowRow{
		start: now,
		end:   now.Add(window),
		count: 1,
	})
	return 1, nil
}

// SumLive aggregates counts across the pair's live windows.
func (s *MemoryWindowStore) SumLive(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) (ratelimit.LiveCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live ratelimit.LiveCount
	for _, row := range s.windows[pairKey{identifier: identifier, action: action}] {
		if !row.end.After(now) {
			continue
		}
		live.Total += row.count
		if live.EarliestEnd.IsZero() || row.end.Before(live.EarliestEnd) {
			live.EarliestEnd = row.end
		}
	}
	return live, nil
}

// PurgeExpired removes windows whose end has passed. Empty identifier and
// action purge the whole store.
func (s *MemoryWindowStore) PurgeExpired(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identifier != "" || action != "" {
		key := pairKey{identifier: identifier, action: action}
		s.windows[key] = purgeRows(s.windows[key], now)
		if len(s.windows[key]) == 0 {
			delete(s.windows, key)
		}
		return nil
	}

	for key, rows := range s.windows {
		kept := purgeRows(rows, now)
		if len(kept) == 0 {
			delete(s.windows, key)
		} else {
			s.windows[key] = kept
		}
	}
	return nil
}

// purgeRows returns rows still live at now, preserving order.
func purgeRows(rows []windowRow, now time.Time) []windowRow {
	kept := rows[:0]
	for _, row := range rows {
		if row.end.After(now) {
			kept = append(kept, row)
		}
	}
	return kept
}

// Stats returns an aggregate view of the store contents.
func (s *MemoryWindowStore) Stats(ctx context.Context) (ratelimit.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ratelimit.StoreStats{
		EntriesByAction: make(map[string]int),
	}
	for key, rows := range s.windows {
		stats.TotalEntries += len(rows)
		stats.EntriesByAction[string(key.action)] += len(rows)
		for _, row := range rows {
			if stats.OldestEntry.IsZero() || row.start.Before(stats.OldestEntry) {
				stats.OldestEntry = row.start
			}
		}
	}
	return stats, nil
}

// StartSweep starts the background purge goroutine. It stops when ctx is
// cancelled or Stop is called.
func (s *MemoryWindowStore) StartSweep(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				before := s.Size()
				_ = s.PurgeExpired(context.Background(), "", "", time.Now())
				if cleaned := before - s.Size(); cleaned > 0 {
					s.logger.Debug("window sweep completed",
						"cleaned_windows", cleaned,
						"remaining_windows", s.Size())
				}
			}
		}
	}()
}

// Stop gracefully stops the sweep goroutine and waits for it to exit.
// Safe to call multiple times.
func (s *MemoryWindowStore) Stop() {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Size returns the current number of tracked windows.
// Useful for testing and monitoring memory usage.
func (s *MemoryWindowStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rows := range s.windows {
		n += len(rows)
	}
	return n
}

// Compile-time interface verification.
var _ ratelimit.WindowStore = (*MemoryWindowStore)(nil)
