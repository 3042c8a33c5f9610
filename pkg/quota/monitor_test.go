package quota

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/ledgerline/ledgergate/internal/adapter/outbound/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStateStore(t *testing.T) *state.FileStateStore {
	t.Helper()
	return state.NewFileStateStore(filepath.Join(t.TempDir(), "quota-state.json"), slog.Default())
}

func newTestMonitor(t *testing.T, serverAddr string) *Monitor {
	t.Helper()
	m, err := NewMonitor(newTestStateStore(t), serverAddr, slog.Default())
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		msg  string
		want Severity
	}{
		{"service unavailable: status 503", SeverityCritical},
		{"backend UNAVAILABLE", SeverityCritical},
		{"authentication failed", SeverityHigh},
		{"401 unauthorized", SeverityHigh},
		{"network timeout: context deadline exceeded", SeverityMedium},
		{"network error: connection refused", SeverityMedium},
		{"i/o timeout", SeverityMedium},
		{"something odd happened", SeverityLow},
		{"", SeverityLow},
	}
	for _, tt := range tests {
		if got := classifySeverity(tt.msg); got != tt.want {
			t.Errorf("classifySeverity(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestMonitor_RecordOperation_Counters(t *testing.T) {
	m := newTestMonitor(t, "")

	m.RecordOperation("add-asset", "user:1", true, 10*time.Millisecond, nil)
	m.RecordOperation("add-asset", "user:1", true, 20*time.Millisecond, nil)
	m.RecordOperation("add-asset", "user:1", false, 5*time.Millisecond, nil) // blocked
	m.RecordOperation("auth", "user:1", false, 0, errors.New("network timeout"))

	report := m.GenerateHealthReport()
	if report.Metrics.TotalRequests != 4 {
		t.Errorf("expected 4 requests, got %d", report.Metrics.TotalRequests)
	}
	if report.Metrics.BlockedRequests != 2 {
		t.Errorf("expected 2 blocked (1 quota block + 1 failure), got %d", report.Metrics.BlockedRequests)
	}
	if report.Metrics.ErrorCount != 1 {
		t.Errorf("expected 1 error, got %d", report.Metrics.ErrorCount)
	}
	if want := 75.0; report.Metrics.UptimePercent != want {
		t.Errorf("expected uptime %.1f, got %.1f", want, report.Metrics.UptimePercent)
	}
}

func TestMonitor_NetworkTimeoutsAreMediumAndStayHealthy(t *testing.T) {
	m := newTestMonitor(t, "")

	// Three consecutive transient failures.
	for i := 0; i < 3; i++ {
		m.RecordOperation("add-asset", "user:1", false, 0, errors.New("network timeout: context deadline exceeded"))
	}

	incidents := m.Incidents()
	if len(incidents) != 3 {
		t.Fatalf("expected 3 incidents, got %d", len(incidents))
	}
	for i, inc := range incidents {
		if inc.Severity != string(SeverityMedium) {
			t.Errorf("incident %d: expected medium severity, got %q", i, inc.Severity)
		}
		if inc.Resolved {
			t.Errorf("incident %d: expected unresolved", i)
		}
	}

	// Transient failures never force fallback mode.
	if m.ForceFallback() {
		t.Error("expected fallback flag clear for medium severity")
	}

	// Medium incidents alone leave the report healthy; only an error count
	// above 10 degrades it.
	report := m.GenerateHealthReport()
	if report.Status != "healthy" {
		t.Errorf("expected healthy with 3 medium incidents, got %q", report.Status)
	}
	if report.ActiveIncidentCount != 3 {
		t.Errorf("expected 3 active incidents, got %d", report.ActiveIncidentCount)
	}
}

func TestMonitor_ErrorCountAboveTenDegrades(t *testing.T) {
	m := newTestMonitor(t, "")

	for i := 0; i < 11; i++ {
		m.RecordOperation("add-asset", "user:1", false, 0, errors.New("odd failure"))
	}

	report := m.GenerateHealthReport()
	if report.Status != "degraded" {
		t.Errorf("expected degraded with 11 errors, got %q", report.Status)
	}
}

func TestMonitor_CriticalForcesFallbackAndUnhealthy(t *testing.T) {
	m := newTestMonitor(t, "")

	m.RecordOperation("add-asset", "user:1", false, 0, errors.New("service unavailable: status 503"))

	if !m.ForceFallback() {
		t.Error("expected fallback flag set after critical incident")
	}
	report := m.GenerateHealthReport()
	if report.Status != "unhealthy" {
		t.Errorf("expected unhealthy with unresolved critical, got %q", report.Status)
	}

	// The flag survives a restart through the state store.
	reloaded, err := m.stateStore.Load()
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if !reloaded.ForceFallback {
		t.Error("expected fallback flag persisted")
	}
}

func TestMonitor_HighSeverityDegrades(t *testing.T) {
	m := newTestMonitor(t, "")

	m.RecordOperation("auth", "user:1", false, 0, errors.New("unauthorized"))

	if m.ForceFallback() {
		t.Error("expected fallback flag clear for high severity")
	}
	report := m.GenerateHealthReport()
	if report.Status != "degraded" {
		t.Errorf("expected degraded with unresolved high, got %q", report.Status)
	}
}

func TestMonitor_RecoveryProbeResolvesIncidents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected probe path %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	stateStore := newTestStateStore(t)
	m, err := NewMonitor(stateStore, srv.URL, slog.Default())
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	defer m.Stop()

	var probeResults []bool
	m.onProbeResult = func(ok bool) { probeResults = append(probeResults, ok) }

	m.RecordOperation("add-asset", "user:1", false, 0, errors.New("service unavailable: status 500"))
	if !m.ForceFallback() {
		t.Fatal("expected fallback flag set")
	}

	m.runRecoveryProbe()

	if m.ForceFallback() {
		t.Error("expected fallback flag cleared after successful probe")
	}
	for i, inc := range m.Incidents() {
		if !inc.Resolved {
			t.Errorf("incident %d: expected resolved after recovery", i)
		}
	}
	if len(probeResults) != 1 || !probeResults[0] {
		t.Errorf("expected one successful probe result, got %v", probeResults)
	}

	report := m.GenerateHealthReport()
	if report.Status != "healthy" {
		t.Errorf("expected healthy after recovery, got %q", report.Status)
	}

	// Recovery is persisted too.
	persisted, err := stateStore.Load()
	if err != nil {
		t.Fatalf("failed to load state: %v", err)
	}
	if persisted.ForceFallback {
		t.Error("expected persisted fallback flag cleared")
	}
}

func TestMonitor_FailedProbeKeepsFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newTestMonitor(t, srv.URL)
	var probeResults []bool
	m.onProbeResult = func(ok bool) { probeResults = append(probeResults, ok) }

	m.RecordOperation("add-asset", "user:1", false, 0, errors.New("service unavailable: status 500"))
	m.runRecoveryProbe()

	if !m.ForceFallback() {
		t.Error("expected fallback flag still set after failed probe")
	}
	if len(probeResults) != 1 || probeResults[0] {
		t.Errorf("expected one failed probe result, got %v", probeResults)
	}
}

func TestMonitor_RollingLatencyWindow(t *testing.T) {
	m := newTestMonitor(t, "")

	// 150 samples: only the most recent 100 survive.
	for i := 0; i < 50; i++ {
		m.RecordOperation("add-asset", "user:1", true, 500*time.Millisecond, nil)
	}
	for i := 0; i < 100; i++ {
		m.RecordOperation("add-asset", "user:1", true, 100*time.Millisecond, nil)
	}

	report := m.GenerateHealthReport()
	if report.Metrics.AverageLatencyMs != 100 {
		t.Errorf("expected rolling average 100ms over last 100 samples, got %.1f", report.Metrics.AverageLatencyMs)
	}
}

func TestMonitor_Recommendations(t *testing.T) {
	m := newTestMonitor(t, "")

	// Slow remote plus a heavy block ratio.
	for i := 0; i < 8; i++ {
		m.RecordOperation("add-asset", "user:1", true, 2*time.Second, nil)
	}
	for i := 0; i < 2; i++ {
		m.RecordOperation("add-asset", "user:1", false, 2*time.Second, nil)
	}

	report := m.GenerateHealthReport()
	if len(report.Recommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %v", report.Recommendations)
	}
}

func TestMonitor_NoRecommendationsWhenQuiet(t *testing.T) {
	m := newTestMonitor(t, "")

	for i := 0; i < 20; i++ {
		m.RecordOperation("add-asset", "user:1", true, 10*time.Millisecond, nil)
	}

	report := m.GenerateHealthReport()
	if len(report.Recommendations) != 0 {
		t.Errorf("expected no recommendations, got %v", report.Recommendations)
	}
	if report.Status != "healthy" {
		t.Errorf("expected healthy, got %q", report.Status)
	}
}

func TestMonitor_MetricsMergedAcrossRestart(t *testing.T) {
	stateStore := newTestStateStore(t)

	first, err := NewMonitor(stateStore, "", slog.Default())
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	first.RecordOperation("add-asset", "user:1", true, 10*time.Millisecond, nil)
	first.RecordOperation("add-asset", "user:1", false, 0, errors.New("network timeout"))
	first.Stop()

	// A fresh monitor over the same state file continues from the persisted
	// counters instead of starting at zero.
	second, err := NewMonitor(stateStore, "", slog.Default())
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	defer second.Stop()

	report := second.GenerateHealthReport()
	if report.Metrics.TotalRequests != 2 {
		t.Errorf("expected 2 persisted requests, got %d", report.Metrics.TotalRequests)
	}
	if report.Metrics.ErrorCount != 1 {
		t.Errorf("expected 1 persisted error, got %d", report.Metrics.ErrorCount)
	}
	if len(second.Incidents()) != 1 {
		t.Errorf("expected 1 persisted incident, got %d", len(second.Incidents()))
	}
}

func TestMonitor_HealthCheckSweepsOldIncidents(t *testing.T) {
	current := time.Now()
	m, err := NewMonitor(newTestStateStore(t), "", slog.Default(),
		WithMonitorClock(func() time.Time { return current }))
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	defer m.Stop()

	m.RecordOperation("add-asset", "user:1", false, 0, errors.New("odd failure"))
	if len(m.Incidents()) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(m.Incidents()))
	}

	// Eight days later the retention sweep drops it.
	current = current.Add(8 * 24 * time.Hour)
	m.runHealthCheck()

	if got := len(m.Incidents()); got != 0 {
		t.Errorf("expected incident swept after retention, got %d", got)
	}
}
