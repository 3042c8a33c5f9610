package service

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

func TestDecisionHooks_RunInOrder(t *testing.T) {
	hooks := NewDecisionHooks(slog.Default())

	var order []string
	hooks.Register("first", func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
		order = append(order, "first")
	})
	hooks.Register("second", func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
		order = append(order, "second")
	})

	hooks.Run(context.Background(), ratelimit.ActionAddAsset, "user:1", ratelimit.Decision{Allowed: true})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("expected hooks in registration order, got %v", order)
	}
}

func TestDecisionHooks_PanicIsIsolated(t *testing.T) {
	hooks := NewDecisionHooks(slog.Default())

	var ran []string
	hooks.Register("before", func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
		ran = append(ran, "before")
	})
	hooks.Register("broken", func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
		panic("hook bug")
	})
	hooks.Register("after", func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
		ran = append(ran, "after")
	})

	// Must not panic, and the hooks around the broken one still run.
	hooks.Run(context.Background(), ratelimit.ActionAddAsset, "user:1", ratelimit.Decision{Allowed: true})

	if len(ran) != 2 || ran[0] != "before" || ran[1] != "after" {
		t.Errorf("expected surviving hooks to run, got %v", ran)
	}
}

func TestDecisionHooks_ReceivesDecision(t *testing.T) {
	hooks := NewDecisionHooks(slog.Default())

	var got ratelimit.Decision
	var gotAction ratelimit.Action
	var gotIdentifier string
	hooks.Register("capture", func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
		gotAction, gotIdentifier, got = action, identifier, d
	})

	want := ratelimit.Decision{Allowed: false, Limit: 5, RetryAfter: 42}
	hooks.Run(context.Background(), ratelimit.ActionAuth, "ip:1.2.3.4", want)

	if gotAction != ratelimit.ActionAuth {
		t.Errorf("expected action auth, got %q", gotAction)
	}
	if gotIdentifier != "ip:1.2.3.4" {
		t.Errorf("expected identifier ip:1.2.3.4, got %q", gotIdentifier)
	}
	if got != want {
		t.Errorf("expected decision %+v, got %+v", want, got)
	}
}

func TestDecisionHooks_EmptyListIsNoop(t *testing.T) {
	hooks := NewDecisionHooks(slog.Default())
	hooks.Run(context.Background(), ratelimit.ActionGlobal, "user:1", ratelimit.Decision{})
}
