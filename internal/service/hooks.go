package service

import (
	"context"
	"log/slog"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// DecisionHook observes a rate limit decision after it has been made.
// Hooks carry best-effort side effects (metrics, monitor reporting, audit);
// they run after the decision is final and can never change it.
type DecisionHook func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision)

// namedHook pairs a hook with a name for failure logging.
type namedHook struct {
	name string
	fn   DecisionHook
}

// DecisionHooks is an ordered list of post-decision hooks with independent
// failure isolation: a panicking hook is logged and skipped, and never
// affects the request that triggered it or the remaining hooks.
type DecisionHooks struct {
	hooks  []namedHook
	logger *slog.Logger
}

// NewDecisionHooks creates an empty hook list.
func NewDecisionHooks(logger *slog.Logger) *DecisionHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecisionHooks{logger: logger}
}

// Register appends a hook. Not safe to call concurrently with Run;
// register everything during startup.
func (h *DecisionHooks) Register(name string, fn DecisionHook) {
	h.hooks = append(h.hooks, namedHook{name: name, fn: fn})
}

// Run invokes every hook in registration order.
func (h *DecisionHooks) Run(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
	for _, hook := range h.hooks {
		h.runOne(ctx, hook, action, identifier, d)
	}
}

// runOne executes a single hook, converting panics into log entries.
func (h *DecisionHooks) runOne(ctx context.Context, hook namedHook, action ratelimit.Action, identifier string, d ratelimit.Decision) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("decision hook panicked",
				"hook", hook.name, "action", action, "panic", r)
		}
	}()
	hook.fn(ctx, action, identifier, d)
}
