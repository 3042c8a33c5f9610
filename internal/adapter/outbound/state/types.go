// Package state provides file-based persistence for the quota client's
// runtime state.
//
// The quota-state.json file stores the force-fallback flag, health metrics,
// the incident log, and the local fallback limiter's counters. This package
// provides atomic writes, file locking, and backup functionality.
package state

import "time"

// QuotaState is the top-level structure persisted in quota-state.json.
// It holds everything the quota client must remember across restarts.
type QuotaState struct {
	// Version is the schema version for forward compatibility. Currently "1".
	Version string `json:"version"`

	// ForceFallback is the persisted kill switch: when true the client must
	// not contact the remote limiter and uses the local fallback exclusively.
	ForceFallback bool `json:"force_fallback"`

	// Metrics are the aggregated health counters.
	Metrics MetricsEntry `json:"metrics"`

	// Incidents is the log of limiter infrastructure failures.
	// Entries older than the retention period are swept by the monitor.
	Incidents []IncidentEntry `json:"incidents,omitempty"`

	// Windows are the local fallback limiter's counters.
	Windows []WindowEntry `json:"windows,omitempty"`

	// CreatedAt is when this state file was first created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when this state file was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// MetricsEntry holds the persisted health counters. Loading merges this over
// defaults field by field, so an older or partial blob never wipes newer
// fields wholesale.
type MetricsEntry struct {
	// TotalRequests counts every limiter operation observed.
	TotalRequests int64 `json:"total_requests"`

	// BlockedRequests counts over-quota rejections.
	BlockedRequests int64 `json:"blocked_requests"`

	// ErrorCount counts limiter infrastructure failures.
	ErrorCount int64 `json:"error_count"`

	// LatencySamplesMs are the most recent operation latencies, newest last,
	// capped at the monitor's rolling window size.
	LatencySamplesMs []float64 `json:"latency_samples_ms,omitempty"`

	// UptimePercent is the share of operations that did not error.
	UptimePercent float64 `json:"uptime_percent"`

	// LastHealthCheckAt is when the periodic health check last ran.
	LastHealthCheckAt time.Time `json:"last_health_check_at,omitzero"`
}

// IncidentEntry records one limiter infrastructure failure.
type IncidentEntry struct {
	// ID is the unique identifier (UUID).
	ID string `json:"id"`

	// Timestamp is when the failure occurred.
	Timestamp time.Time `json:"timestamp"`

	// Action is the rate limit action whose operation failed.
	Action string `json:"action"`

	// Identifier is the rate limit subject of the failed operation.
	Identifier string `json:"identifier"`

	// Error is the failure message used for severity classification.
	Error string `json:"error"`

	// Severity is one of "low", "medium", "high", "critical".
	Severity string `json:"severity"`

	// Resolved is set once a recovery probe succeeds.
	Resolved bool `json:"resolved"`
}

// WindowEntry is one persisted fallback counter window.
type WindowEntry struct {
	// Identifier is the rate limit subject.
	Identifier string `json:"identifier"`

	// Action is the rate limit action.
	Action string `json:"action"`

	// Count is the number of requests observed in this window.
	Count int `json:"count"`

	// WindowStart is the window start in epoch milliseconds.
	WindowStart int64 `json:"window_start"`

	// WindowEnd is the window end in epoch milliseconds.
	WindowEnd int64 `json:"window_end"`
}
