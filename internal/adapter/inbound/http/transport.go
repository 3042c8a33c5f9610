package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
	"github.com/ledgerline/ledgergate/internal/port/outbound"
	"github.com/ledgerline/ledgergate/internal/service"
)

// HTTPTransport is the inbound adapter serving the limiter's HTTP surface.
// It owns the server lifecycle and the shared middleware chain; embedding
// applications register their protected routes through Handle before Start.
type HTTPTransport struct {
	engine        *ratelimit.Engine
	store         ratelimit.WindowStore
	stats         *service.StatsService
	hooks         *service.DecisionHooks
	verifier      outbound.TokenVerifier
	server        *http.Server
	addr          string
	logger        *slog.Logger
	metrics       *Metrics
	healthChecker *HealthChecker
	limiter       *RateLimiter

	// routes registered before Start via Handle.
	routes []boundRoute
}

// boundRoute pairs a mux pattern with its action-limited handler.
type boundRoute struct {
	pattern string
	handler http.Handler
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithTokenVerifier sets the bearer token verifier used to derive
// "user:<id>" rate limit identifiers. Without one, all limiting is IP-based.
func WithTokenVerifier(v outbound.TokenVerifier) Option {
	return func(t *HTTPTransport) {
		t.verifier = v
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// NewHTTPTransport creates an HTTP transport over the given engine and store.
func NewHTTPTransport(engine *ratelimit.Engine, store ratelimit.WindowStore, stats *service.StatsService, hooks *service.DecisionHooks, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		engine: engine,
		store:  store,
		stats:  stats,
		hooks:  hooks,
		addr:   "127.0.0.1:8080",
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	t.limiter = NewRateLimiter(engine, hooks, t.logger)
	return t
}

// Limiter exposes the middleware factory for embedding applications that
// build their own handler chains.
func (t *HTTPTransport) Limiter() *RateLimiter {
	return t.limiter
}

// Handle registers a handler under the limiter middleware bound to action.
// Must be called before Start. The pattern uses http.ServeMux syntax, so
// method-qualified patterns like "POST /assets" bind one action per verb.
func (t *HTTPTransport) Handle(pattern string, action ratelimit.Action, handler http.Handler) {
	t.routes = append(t.routes, boundRoute{
		pattern: pattern,
		handler: t.limiter.Limit(action)(handler),
	})
}

// Start begins accepting HTTP connections.
// It blocks until the context is cancelled or an error occurs.
func (t *HTTPTransport) Start(ctx context.Context) error {
	// Create Prometheus registry and metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg)

	// Feed decision metrics through the hook list so metric recording stays a
	// best-effort side effect, isolated from the decision path.
	if t.hooks != nil {
		t.hooks.Register("prometheus", func(ctx context.Context, action ratelimit.Action, identifier string, d ratelimit.Decision) {
			outcome := "allow"
			if !d.Allowed {
				outcome = "block"
			}
			t.metrics.DecisionsTotal.WithLabelValues(string(action), outcome).Inc()
		})
	}

	mux := http.NewServeMux()

	// The check endpoint is itself protected by the global action so a
	// misbehaving client cannot hammer the limiter service.
	checkH := t.limiter.Limit(ratelimit.ActionGlobal)(checkHandler(t.engine, t.hooks))
	mux.Handle("/rate-limit/check", checkH)
	mux.Handle("/rate-limit/info", infoHandler(t.engine))
	mux.Handle("/rate-limit/stats", statsHandler(t.store, t.stats))

	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.Handle("/health", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		}))
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))
	// Favicon handler to prevent browser 500 errors
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, route := range t.routes {
		mux.Handle(route.pattern, route.handler)
	}

	// Build middleware chain (outermost first):
	// 1. MetricsMiddleware - record duration and status (outermost to capture full duration)
	// 2. RequestID - extract/generate request ID and enrich logger
	// 3. RealIP - extract client IP from X-Forwarded-For
	// 4. BearerAuth - resolve user identity for user-scoped limiting
	var handler http.Handler = mux
	handler = BearerAuthMiddleware(t.verifier, t.logger)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = MetricsMiddleware(t.metrics)(handler)

	t.server = &http.Server{
		Addr:    t.addr,
		Handler: handler,
	}

	// Channel for server errors
	errCh := make(chan error, 1)

	go func() {
		t.logger.Info("starting HTTP server", "addr", t.addr)
		err := t.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
