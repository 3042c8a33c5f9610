package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
)

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	store   ratelimit.WindowStore
	version string
}

// NewHealthChecker creates a HealthChecker.
// Pass nil for components that aren't available.
func NewHealthChecker(store ratelimit.WindowStore, version string) *HealthChecker {
	return &HealthChecker{
		store:   store,
		version: version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// Probe the window store with a bounded read. A hanging or failing store
	// means the limiter is running fail-open everywhere.
	if h.store != nil {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		stats, err := h.store.Stats(probeCtx)
		cancel()
		if err != nil {
			checks["window_store"] = fmt.Sprintf("unavailable: %v", err)
			healthy = false
		} else {
			checks["window_store"] = fmt.Sprintf("ok: %d entries", stats.TotalEntries)
		}
	} else {
		checks["window_store"] = "not configured"
	}

	// Add Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
