// Package ratelimit provides the rate limiting engine and domain types.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Action is a named category of operation with its own quota configuration.
type Action string

// Known actions for the LedgerLine finance API.
const (
	ActionAddAsset    Action = "add-asset"
	ActionAddDebt     Action = "add-debt"
	ActionUpdateAsset Action = "update-asset"
	ActionUpdateDebt  Action = "update-debt"
	ActionDeleteItem  Action = "delete-item"
	ActionAuth        Action = "auth"
	ActionGlobal      Action = "global"
)

// ActionConfig defines the quota for a single action: at most MaxRequests
// per Window for each identifier.
type ActionConfig struct {
	// MaxRequests is the number of allowed requests per window.
	MaxRequests int

	// Window is the length of the counting window.
	Window time.Duration
}

// DefaultActions is the standard action catalog. The values are part of the
// public API contract and must stay in sync with the client tier.
func DefaultActions() map[Action]ActionConfig {
	return map[Action]ActionConfig{
		ActionAddAsset:    {MaxRequests: 10, Window: time.Minute},
		ActionAddDebt:     {MaxRequests: 10, Window: time.Minute},
		ActionUpdateAsset: {MaxRequests: 20, Window: time.Minute},
		ActionUpdateDebt:  {MaxRequests: 20, Window: time.Minute},
		ActionDeleteItem:  {MaxRequests: 15, Window: time.Minute},
		ActionAuth:        {MaxRequests: 5, Window: 5 * time.Minute},
		ActionGlobal:      {MaxRequests: 100, Window: time.Minute},
	}
}

// Decision is the result of a rate limit check.
type Decision struct {
	// Allowed indicates whether the request may proceed.
	Allowed bool `json:"allowed"`

	// Limit is the configured maximum for the action's window.
	Limit int `json:"limit"`

	// Remaining is the number of requests left in the current window.
	// Never negative.
	Remaining int `json:"remaining"`

	// ResetAt is the epoch-millisecond timestamp when the quota resets.
	ResetAt int64 `json:"reset"`

	// RetryAfter is the number of seconds until the next request will be
	// allowed. Only meaningful when Allowed is false.
	RetryAfter int `json:"retry_after,omitempty"`
}

// LiveCount is the aggregate of all live windows for one (identifier, action)
// pair. EarliestEnd is the zero time when Total is zero.
type LiveCount struct {
	Total       int
	EarliestEnd time.Time
}

// StoreStats is an operator-facing snapshot of the window store contents.
type StoreStats struct {
	TotalEntries    int            `json:"total_entries"`
	EntriesByAction map[string]int `json:"entries_by_action"`
	OldestEntry     time.Time      `json:"oldest_entry,omitzero"`
}

// WindowStore persists rate limit counters keyed by
// (identifier, action, windowStart). Implementations must make
// UpsertAndIncrement a single atomic insert-or-increment: two concurrent
// callers racing on the same key must never lose an update.
//
// The interface is storage-agnostic; SQLite, in-memory, and Redis
// implementations live under internal/adapter/outbound.
type WindowStore interface {
	// UpsertAndIncrement records one request for the pair. If no live window
	// exists (windowEnd > now), a new one is created with count=1 covering
	// [now, now+window). Otherwise the live window's count is incremented.
	// Returns the count after the increment.
	UpsertAndIncrement(ctx context.Context, identifier string, action Action, now time.Time, window time.Duration) (int, error)

	// SumLive aggregates counts across all windows for the pair whose
	// windowEnd is after now. Expired windows never contribute.
	SumLive(ctx context.Context, identifier string, action Action, now time.Time) (LiveCount, error)

	// PurgeExpired deletes windows whose windowEnd is at or before now.
	// Empty identifier and action purge globally (background sweep);
	// otherwise the purge is scoped to the one pair.
	PurgeExpired(ctx context.Context, identifier string, action Action, now time.Time) error

	// Stats returns an aggregate view of the store without mutating counters.
	Stats(ctx context.Context) (StoreStats, error)
}

// IdentifierType distinguishes how a rate limit subject was derived.
type IdentifierType string

const (
	// IdentifierTypeUser is for authenticated-user limiting.
	IdentifierTypeUser IdentifierType = "user"

	// IdentifierTypeIP is for source-address limiting.
	IdentifierTypeIP IdentifierType = "ip"
)

// FormatIdentifier returns a structured rate limit identifier.
// Examples:
//   - FormatIdentifier(IdentifierTypeUser, "42") -> "user:42"
//   - FormatIdentifier(IdentifierTypeIP, "192.168.1.1") -> "ip:192.168.1.1"
func FormatIdentifier(t IdentifierType, value string) string {
	return fmt.Sprintf("%s:%s", t, value)
}
