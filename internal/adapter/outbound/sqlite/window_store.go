// Package sqlite provides the durable SQLite-backed window store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// schema creates the rate window table and its indexes. Timestamps are epoch
// milliseconds. The primary key is the uniqueness invariant: at most one live
// row per (identifier, action, window_start).
const schema = `
CREATE TABLE IF NOT EXISTS rate_windows (
	identifier   TEXT    NOT NULL,
	action       TEXT    NOT NULL,
	count        INTEGER NOT NULL DEFAULT 1,
	window_start INTEGER NOT NULL,
	window_end   INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (identifier, action, window_start)
);
CREATE INDEX IF NOT EXISTS idx_rate_windows_pair_end ON rate_windows (identifier, action, window_end);
CREATE INDEX IF NOT EXISTS idx_rate_windows_end ON rate_windows (window_end);
`

// upsertQuery records one request as a single atomic insert-or-increment.
// The scalar subquery resolves the live window's start; when none exists the
// row is inserted fresh with count=1, otherwise the primary key conflict
// routes into the increment. SQLite executes the whole statement atomically,
// so concurrent callers for the same pair never lose updates.
//
// The "WHERE true" is required by SQLite's grammar when ON CONFLICT follows
// an INSERT..SELECT.
const upsertQuery = `
INSERT INTO rate_windows (identifier, action, count, window_start, window_end, created_at, updated_at)
SELECT ?1, ?2, 1,
       COALESCE((SELECT window_start FROM rate_windows
                 WHERE identifier = ?1 AND action = ?2 AND window_end > ?3
                 ORDER BY window_start DESC LIMIT 1), ?3),
       ?4, ?3, ?3
WHERE true
ON CONFLICT (identifier, action, window_start)
DO UPDATE SET count = count + 1, updated_at = ?3
RETURNING count
`

// SQLiteWindowStore implements ratelimit.WindowStore on a local SQLite file.
// Safe for concurrent use; SQLite serializes writers and the busy timeout
// absorbs short lock contention. Includes a background sweep that deletes
// expired windows so the table stays small between scoped purges.
type SQLiteWindowStore struct {
	db            *sql.DB
	logger        *slog.Logger
	stopChan      chan struct{}
	wg            sync.WaitGroup
	once          sync.Once
	sweepInterval time.Duration
}

// Open opens (creating if needed) the SQLite database at path and prepares
// the schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string, logger *slog.Logger) (*SQLiteWindowStore, error) {
	return OpenWithConfig(path, 5*time.Minute, logger)
}

// OpenWithConfig opens the store with a custom background sweep interval.
func OpenWithConfig(path string, sweepInterval time.Duration, logger *slog.Logger) (*SQLiteWindowStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY between pooled connections;
	// statement-level atomicity does the real concurrency work.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteWindowStore{
		db:            db,
		logger:        logger,
		stopChan:      make(chan struct{}),
		sweepInterval: sweepInterval,
	}, nil
}

// UpsertAndIncrement records one request for the pair and returns the live
// window's count after the increment.
func (s *SQLiteWindowStore) UpsertAndIncrement(ctx context.Context, identifier string, action ratelimit.Action, now time.Time, window time.Duration) (int, error) {
	nowMs := now.UnixMilli()
	endMs := now.Add(window).UnixMilli()

	var count int
	err := s.db.QueryRowContext(ctx, upsertQuery, identifier, string(action), nowMs, endMs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("upsert rate window: %w", err)
	}
	return count, nil
}

// SumLive aggregates counts across the pair's live windows.
func (s *SQLiteWindowStore) SumLive(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) (ratelimit.LiveCount, error) {
	const query = `
SELECT COALESCE(SUM(count), 0), COALESCE(MIN(window_end), 0)
FROM rate_windows
WHERE identifier = ?1 AND action = ?2 AND window_end > ?3`

	var total int
	var earliestEndMs int64
	err := s.db.QueryRowContext(ctx, query, identifier, string(action), now.UnixMilli()).Scan(&total, &earliestEndMs)
	if err != nil {
		return ratelimit.LiveCount{}, fmt.Errorf("sum live windows: %w", err)
	}

	live := ratelimit.LiveCount{Total: total}
	if total > 0 {
		live.EarliestEnd = time.UnixMilli(earliestEndMs)
	}
	return live, nil
}

// PurgeExpired deletes windows whose end has passed. Empty identifier and
// action purge the whole table (background sweep).
func (s *SQLiteWindowStore) PurgeExpired(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) error {
	var err error
	if identifier != "" || action != "" {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM rate_windows WHERE identifier = ?1 AND action = ?2 AND window_end <= ?3`,
			identifier, string(action), now.UnixMilli())
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM rate_windows WHERE window_end <= ?1`, now.UnixMilli())
	}
	if err != nil {
		return fmt.Errorf("purge expired windows: %w", err)
	}
	return nil
}

// Stats returns an aggregate view of the table without mutating counters.
func (s *SQLiteWindowStore) Stats(ctx context.Context) (ratelimit.StoreStats, error) {
	stats := ratelimit.StoreStats{
		EntriesByAction: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM rate_windows GROUP BY action`)
	if err != nil {
		return ratelimit.StoreStats{}, fmt.Errorf("query entries by action: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return ratelimit.StoreStats{}, fmt.Errorf("scan action count: %w", err)
		}
		stats.EntriesByAction[action] = n
		stats.TotalEntries += n
	}
	if err := rows.Err(); err != nil {
		return ratelimit.StoreStats{}, fmt.Errorf("iterate action counts: %w", err)
	}

	var oldestMs sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MIN(window_start) FROM rate_windows`).Scan(&oldestMs)
	if err != nil {
		return ratelimit.StoreStats{}, fmt.Errorf("query oldest entry: %w", err)
	}
	if oldestMs.Valid {
		stats.OldestEntry = time.UnixMilli(oldestMs.Int64)
	}

	return stats, nil
}

// StartSweep starts the background purge goroutine. It stops when ctx is
// cancelled or Close is called. The sweep only deletes rows whose window_end
// has already passed, so it is safe to run concurrently with live increments.
func (s *SQLiteWindowStore) StartSweep(ctx context.Context) {
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
				if err := s.PurgeExpired(context.Background(), "", "", time.Now()); err != nil {
					s.logger.Warn("background window sweep failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the sweep goroutine and closes the database.
// Safe to call multiple times.
func (s *SQLiteWindowStore) Close() error {
	s.once.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
	return s.db.Close()
}

// Compile-time interface verification.
var _ ratelimit.WindowStore = (*SQLiteWindowStore)(nil)
