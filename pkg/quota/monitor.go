package quota

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerline/ledgergate/internal/adapter/outbound/state"
)

// Severity classifies a limiter infrastructure failure.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

const (
	// maxLatencySamples bounds the rolling latency window.
	maxLatencySamples = 100

	// defaultCheckInterval is how often the periodic health check runs,
	// independent of request traffic.
	defaultCheckInterval = 5 * time.Minute

	// incidentRetention is how long resolved and unresolved incidents are
	// kept before the age-based sweep drops them.
	incidentRetention = 7 * 24 * time.Hour

	// probeTimeout bounds the reachability check against the remote limiter.
	probeTimeout = 5 * time.Second
)

// HealthReport is the monitor's aggregate view of limiter health.
type HealthReport struct {
	// Status is "healthy", "degraded", or "unhealthy".
	Status string `json:"status"`

	// Summary is a one-line human-readable description.
	Summary string `json:"summary"`

	// Metrics are the aggregated counters behind the status.
	Metrics ReportMetrics `json:"metrics"`

	// ActiveIncidentCount is the number of unresolved incidents.
	ActiveIncidentCount int `json:"active_incident_count"`

	// Recommendations are threshold-derived operator hints. Empty when
	// nothing stands out.
	Recommendations []string `json:"recommendations,omitempty"`

	// GeneratedAt is when the report was produced.
	GeneratedAt time.Time `json:"generated_at"`
}

// ReportMetrics is the metrics section of a HealthReport.
type ReportMetrics struct {
	TotalRequests    int64   `json:"total_requests"`
	BlockedRequests  int64   `json:"blocked_requests"`
	ErrorCount       int64   `json:"error_count"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	UptimePercent    float64 `json:"uptime_percent"`
}

// Monitor records every limiter operation, classifies failures into severity
// tiers, schedules recovery probes, and produces health reports.
//
// The monitor is the sole owner of the incident log and health metrics; the
// quota client only reports events to it. Metrics and incidents are persisted
// through the state store and merged back in on startup, so they survive a
// process restart.
type Monitor struct {
	stateStore *state.FileStateStore
	serverAddr string
	httpClient *http.Client
	logger     *slog.Logger

	checkInterval time.Duration
	now           func() time.Time

	// onProbeStart and onProbeResult let the owning client track the
	// RECOVERING state transition. Either may be nil.
	onProbeStart  func()
	onProbeResult func(ok bool)

	mu            sync.Mutex
	metrics       state.MetricsEntry
	incidents     []state.IncidentEntry
	forceFallback bool
	probeTimer    *time.Timer
	probeDelay    time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorHTTPClient sets the HTTP client used for recovery probes.
func WithMonitorHTTPClient(hc *http.Client) MonitorOption {
	return func(m *Monitor) {
		m.httpClient = hc
	}
}

// WithCheckInterval overrides the periodic health check interval.
func WithCheckInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.checkInterval = d
	}
}

// WithMonitorClock overrides the monitor's time source. For tests.
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) {
		m.now = now
	}
}

// NewMonitor creates a Monitor and merges any persisted metrics, incidents,
// and fallback flag from the state store.
func NewMonitor(stateStore *state.FileStateStore, serverAddr string, logger *slog.Logger, opts ...MonitorOption) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Monitor{
		stateStore:    stateStore,
		serverAddr:    serverAddr,
		logger:        logger,
		checkInterval: defaultCheckInterval,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: probeTimeout}
	}

	persisted, err := stateStore.Load()
	if err != nil {
		return nil, fmt.Errorf("load quota state: %w", err)
	}
	m.metrics = persisted.Metrics
	m.incidents = persisted.Incidents
	m.forceFallback = persisted.ForceFallback
	if len(m.metrics.LatencySamplesMs) > maxLatencySamples {
		m.metrics.LatencySamplesMs = m.metrics.LatencySamplesMs[len(m.metrics.LatencySamplesMs)-maxLatencySamples:]
	}

	return m, nil
}

// Start launches the periodic health check. It runs on a fixed interval
// independent of request traffic so backend outages are detected even when
// the app is idle.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.runHealthCheck()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic check and any pending recovery probe, then
// persists a final snapshot.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	if m.probeTimer != nil {
		m.probeTimer.Stop()
		m.probeTimer = nil
	}
	m.mu.Unlock()

	if err := m.persist(); err != nil {
		m.logger.Warn("failed to persist quota state on stop", "error", err)
	}
}

// RecordOperation records one limiter operation outcome. success is false for
// over-quota blocks; opErr is non-nil when the operation failed outright
// (which also counts as unsuccessful). Failures create an incident and
// trigger severity-scaled handling.
func (m *Monitor) RecordOperation(action, identifier string, success bool, latency time.Duration, opErr error) {
	m.mu.Lock()

	m.metrics.TotalRequests++
	if !success {
		m.metrics.BlockedRequests++
	}

	m.metrics.LatencySamplesMs = append(m.metrics.LatencySamplesMs, float64(latency)/float64(time.Millisecond))
	if len(m.metrics.LatencySamplesMs) > maxLatencySamples {
		m.metrics.LatencySamplesMs = m.metrics.LatencySamplesMs[1:]
	}

	var severity Severity
	if opErr != nil {
		m.metrics.ErrorCount++
		severity = classifySeverity(opErr.Error())
		m.incidents = append(m.incidents, state.IncidentEntry{
			ID:         uuid.NewString(),
			Timestamp:  m.now().UTC(),
			Action:     action,
			Identifier: identifier,
			Error:      opErr.Error(),
			Severity:   string(severity),
		})
	}
	m.updateUptimeLocked()

	m.mu.Unlock()

	if opErr != nil {
		m.handleSeverity(severity, action, opErr)
	}
}

// handleSeverity applies the per-tier escalation policy:
// critical sets the persisted fallback flag and probes in 5 minutes,
// high probes in 2 minutes, medium in 1 minute, low only logs.
func (m *Monitor) handleSeverity(severity Severity, action string, opErr error) {
	switch severity {
	case SeverityCritical:
		m.mu.Lock()
		m.forceFallback = true
		m.mu.Unlock()
		m.logger.Error("critical limiter incident, forcing fallback mode",
			"action", action, "error", opErr)
		m.scheduleRecoveryProbe(5 * time.Minute)

	case SeverityHigh:
		m.logger.Warn("high-severity limiter incident",
			"action", action, "error", opErr)
		m.scheduleRecoveryProbe(2 * time.Minute)

	case SeverityMedium:
		m.logger.Warn("limiter incident",
			"action", action, "error", opErr)
		m.scheduleRecoveryProbe(1 * time.Minute)

	default:
		m.logger.Info("low-severity limiter incident",
			"action", action, "error", opErr)
	}

	if err := m.persist(); err != nil {
		m.logger.Warn("failed to persist quota state", "error", err)
	}
}

// classifySeverity maps failure text to a severity tier by keyword.
// A message matching several tiers takes the highest.
func classifySeverity(msg string) Severity {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "unavailable"):
		return SeverityCritical
	case strings.Contains(lower, "auth"), strings.Contains(lower, "unauthorized"):
		return SeverityHigh
	case strings.Contains(lower, "network"), strings.Contains(lower, "timeout"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// scheduleRecoveryProbe arms a one-shot reachability check after delay.
// A newer incident replaces a pending probe.
func (m *Monitor) scheduleRecoveryProbe(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.probeTimer != nil {
		m.probeTimer.Stop()
	}
	m.probeDelay = delay
	m.probeTimer = time.AfterFunc(delay, m.runRecoveryProbe)
	m.logger.Info("recovery probe scheduled", "delay", delay)
}

// runRecoveryProbe performs a lightweight reachability check against the
// remote limiter. On success it clears the fallback flag and resolves all
// open incidents; on failure it rearms the probe at the same delay.
func (m *Monitor) runRecoveryProbe() {
	if m.onProbeStart != nil {
		m.onProbeStart()
	}

	ok := m.probeRemote()

	if ok {
		m.mu.Lock()
		m.forceFallback = false
		resolved := 0
		for i := range m.incidents {
			if !m.incidents[i].Resolved {
				m.incidents[i].Resolved = true
				resolved++
			}
		}
		if m.probeTimer != nil {
			m.probeTimer.Stop()
			m.probeTimer = nil
		}
		m.mu.Unlock()

		m.logger.Info("remote limiter recovered", "incidents_resolved", resolved)
		if err := m.persist(); err != nil {
			m.logger.Warn("failed to persist quota state", "error", err)
		}
	} else {
		m.mu.Lock()
		if m.probeTimer != nil {
			m.probeTimer.Stop()
		}
		delay := m.probeDelay
		if delay <= 0 {
			// Degradation carried over from a previous run; no incident set a
			// delay this process.
			delay = time.Minute
		}
		m.probeDelay = delay
		m.probeTimer = time.AfterFunc(delay, m.runRecoveryProbe)
		m.mu.Unlock()
		m.logger.Warn("recovery probe failed, rescheduling", "delay", delay)
	}

	if m.onProbeResult != nil {
		m.onProbeResult(ok)
	}
}

// probeRemote performs one GET /health against the remote limiter.
func (m *Monitor) probeRemote() bool {
	if m.serverAddr == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	url := strings.TrimRight(m.serverAddr, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// runHealthCheck is the periodic maintenance pass: it sweeps aged incidents,
// probes the remote when the monitor is in a degraded state, and persists a
// snapshot.
func (m *Monitor) runHealthCheck() {
	m.mu.Lock()
	m.metrics.LastHealthCheckAt = m.now().UTC()

	cutoff := m.now().Add(-incidentRetention)
	kept := m.incidents[:0]
	for _, inc := range m.incidents {
		if inc.Timestamp.After(cutoff) {
			kept = append(kept, inc)
		}
	}
	m.incidents = kept

	degraded := m.forceFallback || m.unresolvedCountLocked() > 0
	probePending := m.probeTimer != nil
	m.mu.Unlock()

	// Even with no probe armed (e.g. only low-severity incidents), the idle
	// check can notice the backend coming back.
	if degraded && !probePending {
		m.runRecoveryProbe()
	}

	if err := m.persist(); err != nil {
		m.logger.Warn("failed to persist quota state", "error", err)
	}
}

// GenerateHealthReport produces the current aggregate health view.
func (m *Monitor) GenerateHealthReport() HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	unresolvedCritical := 0
	unresolvedHigh := 0
	unresolved := 0
	for _, inc := range m.incidents {
		if inc.Resolved {
			continue
		}
		unresolved++
		switch Severity(inc.Severity) {
		case SeverityCritical:
			unresolvedCritical++
		case SeverityHigh:
			unresolvedHigh++
		}
	}

	status := "healthy"
	switch {
	case unresolvedCritical > 0:
		status = "unhealthy"
	case unresolvedHigh > 0 || m.metrics.ErrorCount > 10:
		status = "degraded"
	}

	avgLatency := averageOf(m.metrics.LatencySamplesMs)

	var recommendations []string
	if avgLatency > 1000 {
		recommendations = append(recommendations,
			"average limiter latency exceeds 1s; check remote limiter load and network path")
	}
	if m.metrics.TotalRequests > 0 {
		blockRatio := float64(m.metrics.BlockedRequests) / float64(m.metrics.TotalRequests)
		if blockRatio > 0.10 {
			recommendations = append(recommendations,
				"more than 10% of requests are blocked; review quota configuration or client behavior")
		}
	}

	return HealthReport{
		Status: status,
		Summary: fmt.Sprintf("%d requests, %d blocked, %d errors, %d active incidents",
			m.metrics.TotalRequests, m.metrics.BlockedRequests, m.metrics.ErrorCount, unresolved),
		Metrics: ReportMetrics{
			TotalRequests:    m.metrics.TotalRequests,
			BlockedRequests:  m.metrics.BlockedRequests,
			ErrorCount:       m.metrics.ErrorCount,
			AverageLatencyMs: avgLatency,
			UptimePercent:    m.metrics.UptimePercent,
		},
		ActiveIncidentCount: unresolved,
		Recommendations:     recommendations,
		GeneratedAt:         m.now().UTC(),
	}
}

// ForceFallback reports whether the persisted kill switch is set.
func (m *Monitor) ForceFallback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forceFallback
}

// Incidents returns a copy of the incident log.
func (m *Monitor) Incidents() []state.IncidentEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]state.IncidentEntry, len(m.incidents))
	copy(out, m.incidents)
	return out
}

// persist writes the monitor-owned sections of the quota state.
func (m *Monitor) persist() error {
	m.mu.Lock()
	metrics := m.metrics
	metrics.LatencySamplesMs = append([]float64(nil), m.metrics.LatencySamplesMs...)
	incidents := make([]state.IncidentEntry, len(m.incidents))
	copy(incidents, m.incidents)
	forceFallback := m.forceFallback
	m.mu.Unlock()

	return m.stateStore.Update(func(st *state.QuotaState) {
		st.Metrics = metrics
		st.Incidents = incidents
		st.ForceFallback = forceFallback
	})
}

// unresolvedCountLocked counts open incidents. Callers must hold m.mu.
func (m *Monitor) unresolvedCountLocked() int {
	n := 0
	for _, inc := range m.incidents {
		if !inc.Resolved {
			n++
		}
	}
	return n
}

// updateUptimeLocked recomputes the uptime percentage. Callers must hold m.mu.
func (m *Monitor) updateUptimeLocked() {
	if m.metrics.TotalRequests == 0 {
		m.metrics.UptimePercent = 100
		return
	}
	ok := m.metrics.TotalRequests - m.metrics.ErrorCount
	m.metrics.UptimePercent = float64(ok) / float64(m.metrics.TotalRequests) * 100
}

func averageOf(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}
