// Package http provides the HTTP transport adapter for the rate limiter.
//
// The transport serves the limiter's public surface:
//
//   - POST /rate-limit/check  — the wire API consumed by the quota client
//   - GET  /rate-limit/info   — per-action quota status for the caller
//   - GET  /rate-limit/stats  — aggregate operator view of the window store
//   - GET  /health            — component health
//   - GET  /metrics           — Prometheus metrics
//
// Embedding applications protect their own routes by mounting handlers
// through Transport.Handle, which wraps them in the limiter middleware bound
// to a named action. The middleware chain (outermost first) is
// Metrics -> RequestID -> RealIP -> BearerAuth -> RateLimit -> handler.
//
// The middleware never turns a limiter infrastructure failure into a request
// failure: engine errors are logged and the request passes through. Only a
// genuine over-quota condition produces HTTP 429.
package http
