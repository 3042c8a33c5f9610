package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LedgerGate.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	DecisionsTotal  *prometheus.CounterVec
	StoreErrors     prometheus.Counter
	WindowEntries   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledgergate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ledgergate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets, // 5ms to 10s
			},
			[]string{"method"},
		),
		DecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ledgergate",
				Name:      "rate_limit_decisions_total",
				Help:      "Total rate limit decisions",
			},
			[]string{"action", "outcome"}, // outcome=allow/block
		),
		StoreErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ledgergate",
				Name:      "window_store_errors_total",
				Help:      "Total window store failures absorbed by fail-open",
			},
		),
		WindowEntries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ledgergate",
				Name:      "window_entries",
				Help:      "Number of live rate limit windows in the store",
			},
		),
	}
}
