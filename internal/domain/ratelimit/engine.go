package ratelimit

import (
	"context"
	"log/slog"
	"time"
)

// Recorder receives engine outcomes for monitoring. All methods may be called
// concurrently. A nil Recorder disables recording.
type Recorder interface {
	// RecordAllow is called for every allowed check.
	RecordAllow()

	// RecordBlock is called for every over-quota rejection.
	RecordBlock()

	// RecordStoreError is called when a window store operation fails and the
	// engine falls back to a permissive decision.
	RecordStoreError()
}

// Engine computes rate limit decisions against a pluggable WindowStore.
//
// The engine deliberately fails open: if the store is unavailable, requests
// are allowed and the failure is logged. Rate limiting is advisory for the
// finance API and must never become an outage of its own. Only a genuine
// over-quota condition produces a rejection.
//
// Multiple windows for one (identifier, action) pair may coexist transiently
// around window boundaries, since windows are anchored to the first request
// rather than globally aligned. The engine sums across all live windows
// instead of assuming exactly one.
type Engine struct {
	store    WindowStore
	actions  map[Action]ActionConfig
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRecorder attaches a Recorder for allow/block/error accounting.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithClock overrides the engine's time source. For tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine over the given store and action catalog.
func NewEngine(store WindowStore, actions map[Action]ActionConfig, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:   store,
		actions: actions,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Actions returns the engine's action catalog.
func (e *Engine) Actions() map[Action]ActionConfig {
	out := make(map[Action]ActionConfig, len(e.actions))
	for k, v := range e.actions {
		out[k] = v
	}
	return out
}

// Check decides whether one more request for (action, identifier) is allowed,
// recording the request if so. The only error it returns is ErrUnknownAction;
// window store failures are absorbed into a permissive decision.
func (e *Engine) Check(ctx context.Context, action Action, identifier string) (Decision, error) {
	cfg, ok := e.actions[action]
	if !ok {
		return Decision{}, &UnknownActionError{Action: action}
	}

	now := e.now()

	// Lazy cleanup keeps the live-window aggregation cheap. A failed purge is
	// not fatal: SumLive filters by window_end itself.
	if err := e.store.PurgeExpired(ctx, identifier, action, now); err != nil {
		e.logger.Warn("rate limit purge failed", "action", action, "identifier", identifier, "error", err)
	}

	live, err := e.store.SumLive(ctx, identifier, action, now)
	if err != nil {
		return e.failOpen(action, identifier, cfg, now, err), nil
	}

	if live.Total >= cfg.MaxRequests {
		if e.recorder != nil {
			e.recorder.RecordBlock()
		}
		return blockedDecision(cfg, now, live.EarliestEnd), nil
	}

	count, err := e.store.UpsertAndIncrement(ctx, identifier, action, now, cfg.Window)
	if err != nil {
		return e.failOpen(action, identifier, cfg, now, err), nil
	}

	remaining := cfg.MaxRequests - (live.Total + 1)
	if remaining < 0 {
		remaining = 0
	}
	if e.recorder != nil {
		e.recorder.RecordAllow()
	}
	e.logger.Debug("rate limit check",
		"action", action, "identifier", identifier,
		"count", count, "remaining", remaining)

	return Decision{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: remaining,
		ResetAt:   now.Add(cfg.Window).UnixMilli(),
	}, nil
}

// Peek returns the decision that a Check call would produce right now,
// without recording a request. Repeated Peek calls with no intervening
// Check return identical decisions.
func (e *Engine) Peek(ctx context.Context, action Action, identifier string) (Decision, error) {
	cfg, ok := e.actions[action]
	if !ok {
		return Decision{}, &UnknownActionError{Action: action}
	}

	now := e.now()

	live, err := e.store.SumLive(ctx, identifier, action, now)
	if err != nil {
		return e.failOpen(action, identifier, cfg, now, err), nil
	}

	if live.Total >= cfg.MaxRequests {
		return blockedDecision(cfg, now, live.EarliestEnd), nil
	}

	resetAt := now.Add(cfg.Window)
	if live.Total > 0 && !live.EarliestEnd.IsZero() {
		resetAt = live.EarliestEnd
	}
	return Decision{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - live.Total,
		ResetAt:   resetAt.UnixMilli(),
	}, nil
}

// failOpen converts a store failure into a permissive decision.
// This is the documented availability-over-correctness policy.
func (e *Engine) failOpen(action Action, identifier string, cfg ActionConfig, now time.Time, err error) Decision {
	e.logger.Warn("window store unavailable, allowing request",
		"action", action, "identifier", identifier, "error", err)
	if e.recorder != nil {
		e.recorder.RecordStoreError()
	}
	return Decision{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests - 1,
		ResetAt:   now.Add(cfg.Window).UnixMilli(),
	}
}

// blockedDecision builds the rejection for an exhausted quota.
func blockedDecision(cfg ActionConfig, now, earliestEnd time.Time) Decision {
	retryAfter := int((earliestEnd.Sub(now) + time.Second - 1) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return Decision{
		Allowed:    false,
		Limit:      cfg.MaxRequests,
		Remaining:  0,
		ResetAt:    earliestEnd.UnixMilli(),
		RetryAfter: retryAfter,
	}
}
