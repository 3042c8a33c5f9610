package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ledgerline/ledgergate/internal/adapter/outbound/state"
	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// FallbackLimiter is the local approximate limiter used when the remote
// service is unreachable or the fallback flag is set. It runs the same engine
// as the server tier over counters persisted in the quota state file, so a
// restart mid-outage keeps the current window counts.
//
// It is explicitly approximate: counters are local to this process and not
// shared with the remote limiter or other clients. The goal is a degraded
// but working experience, not correctness guarantees.
type FallbackLimiter struct {
	engine     *ratelimit.Engine
	store      *fallbackStore
	stateStore *state.FileStateStore
	logger     *slog.Logger
}

// NewFallbackLimiter creates a FallbackLimiter, restoring any persisted
// counter windows from the state store.
func NewFallbackLimiter(stateStore *state.FileStateStore, actions map[ratelimit.Action]ratelimit.ActionConfig, logger *slog.Logger, opts ...ratelimit.EngineOption) (*FallbackLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	persisted, err := stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load quota state: %w", err)
	}

	store := newFallbackStore()
	store.restore(persisted.Windows)

	return &FallbackLimiter{
		engine:     ratelimit.NewEngine(store, actions, logger, opts...),
		store:      store,
		stateStore: stateStore,
		logger:     logger,
	}, nil
}

// Check records one request and returns the decision, persisting the updated
// counters so they survive a restart.
func (f *FallbackLimiter) Check(ctx context.Context, action ratelimit.Action, identifier string) (ratelimit.Decision, error) {
	decision, err := f.engine.Check(ctx, action, identifier)
	if err != nil {
		return decision, err
	}

	windows := f.store.snapshot()
	if perr := f.stateStore.Update(func(st *state.QuotaState) {
		st.Windows = windows
	}); perr != nil {
		f.logger.Warn("failed to persist fallback counters", "error", perr)
	}
	return decision, nil
}

// Peek returns the decision a Check would produce without recording a request.
func (f *FallbackLimiter) Peek(ctx context.Context, action ratelimit.Action, identifier string) (ratelimit.Decision, error) {
	return f.engine.Peek(ctx, action, identifier)
}

// Actions returns the limiter's action catalog.
func (f *FallbackLimiter) Actions() map[ratelimit.Action]ratelimit.ActionConfig {
	return f.engine.Actions()
}

// fallbackStore is an in-memory WindowStore whose rows round-trip through the
// persisted quota state. One process, one owner; a plain mutex suffices.
type fallbackStore struct {
	mu   sync.Mutex
	rows map[fallbackKey][]state.WindowEntry
}

type fallbackKey struct {
	identifier string
	action     ratelimit.Action
}

func newFallbackStore() *fallbackStore {
	return &fallbackStore{
		rows: make(map[fallbackKey][]state.WindowEntry),
	}
}

var _ ratelimit.WindowStore = (*fallbackStore)(nil)

func (s *fallbackStore) UpsertAndIncrement(ctx context.Context, identifier string, action ratelimit.Action, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fallbackKey{identifier: identifier, action: action}
	nowMs := now.UnixMilli()

	rows := s.rows[key]
	// Increment the most recent live window if one exists.
	for i := len(rows) - 1; i >= 0; i-- {
		if rows[i].WindowEnd > nowMs {
			rows[i].Count++
			return rows[i].Count, nil
		}
	}

	rows = append(rows, state.WindowEntry{
		Identifier:  identifier,
		Action:      string(action),
		Count:       1,
		WindowStart: nowMs,
		WindowEnd:   now.Add(window).UnixMilli(),
	})
	s.rows[key] = rows
	return 1, nil
}

func (s *fallbackStore) SumLive(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) (ratelimit.LiveCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	var live ratelimit.LiveCount
	for _, row := range s.rows[fallbackKey{identifier: identifier, action: action}] {
		if row.WindowEnd <= nowMs {
			continue
		}
		live.Total += row.Count
		end := time.UnixMilli(row.WindowEnd)
		if live.EarliestEnd.IsZero() || end.Before(live.EarliestEnd) {
			live.EarliestEnd = end
		}
	}
	return live, nil
}

func (s *fallbackStore) PurgeExpired(ctx context.Context, identifier string, action ratelimit.Action, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	purgeKey := func(key fallbackKey) {
		kept := s.rows[key][:0]
		for _, row := range s.rows[key] {
			if row.WindowEnd > nowMs {
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			delete(s.rows, key)
		} else {
			s.rows[key] = kept
		}
	}

	if identifier == "" && action == "" {
		for key := range s.rows {
			purgeKey(key)
		}
		return nil
	}
	purgeKey(fallbackKey{identifier: identifier, action: action})
	return nil
}

func (s *fallbackStore) Stats(ctx context.Context) (ratelimit.StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := ratelimit.StoreStats{
		EntriesByAction: make(map[string]int),
	}
	var oldest int64
	for key, rows := range s.rows {
		stats.TotalEntries += len(rows)
		stats.EntriesByAction[string(key.action)] += len(rows)
		for _, row := range rows {
			if oldest == 0 || row.WindowStart < oldest {
				oldest = row.WindowStart
			}
		}
	}
	if oldest != 0 {
		stats.OldestEntry = time.UnixMilli(oldest)
	}
	return stats, nil
}

// snapshot exports all rows for persistence.
func (s *fallbackStore) snapshot() []state.WindowEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []state.WindowEntry
	for _, rows := range s.rows {
		out = append(out, rows...)
	}
	return out
}

// restore loads persisted rows, dropping any that have already expired.
func (s *fallbackStore) restore(entries []state.WindowEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := time.Now().UnixMilli()
	for _, e := range entries {
		if e.WindowEnd <= nowMs {
			continue
		}
		key := fallbackKey{identifier: e.Identifier, action: ratelimit.Action(e.Action)}
		s.rows[key] = append(s.rows[key], e)
	}
}
