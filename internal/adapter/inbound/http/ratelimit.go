package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ledgerline/ledgergate/internal/ctxkey"
	"github.com/ledgerline/ledgergate/internal/domain/ratelimit"
	"github.com/ledgerline/ledgergate/internal/service"
)

// IdentifierExtractor derives a rate limit identifier from a request.
// Returning an empty string falls through to the default resolution chain.
type IdentifierExtractor func(r *http.Request) string

// RateLimiter builds the per-route limiter middleware. One instance is shared
// across all routes; the bound action differs per route.
type RateLimiter struct {
	engine *ratelimit.Engine
	hooks  *service.DecisionHooks
	logger *slog.Logger
}

// NewRateLimiter creates the middleware factory. hooks may be nil.
func NewRateLimiter(engine *ratelimit.Engine, hooks *service.DecisionHooks, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		engine: engine,
		hooks:  hooks,
		logger: logger,
	}
}

// rejectBody is the JSON payload for an over-quota rejection.
type rejectBody struct {
	Success       bool               `json:"success"`
	Error         string             `json:"error"`
	RateLimitInfo ratelimit.Decision `json:"rateLimitInfo"`
}

// Limit wraps a handler with rate limiting for the given action, using the
// default identifier chain: authenticated user, else client IP.
func (rl *RateLimiter) Limit(action ratelimit.Action) func(http.Handler) http.Handler {
	return rl.LimitWith(action, nil)
}

// LimitWith wraps a handler with rate limiting for the given action, letting
// the caller supply an identifier extractor that takes precedence over the
// default chain.
//
// The decision's limit/remaining/reset are attached as X-RateLimit-* headers
// on every response. Over-quota requests are answered with 429 and a
// Retry-After header without invoking the downstream handler. If the engine
// itself fails the request passes through: limiter breakage must never become
// a user-facing outage.
func (rl *RateLimiter) LimitWith(action ratelimit.Action, extract IdentifierExtractor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identifier := rl.resolveIdentifier(r, extract)

			decision, err := rl.engine.Check(r.Context(), action, identifier)
			if err != nil {
				// Unknown action is a wiring bug, not a reason to fail the
				// user's request.
				rl.logger.Warn("rate limit check failed, allowing request",
					"action", action, "identifier", identifier, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			setRateHeaders(w, decision)

			if rl.hooks != nil {
				rl.hooks.Run(r.Context(), action, identifier, decision)
			}

			if !decision.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rejectBody{
					Success:       false,
					Error:         "Rate limit exceeded",
					RateLimitInfo: decision,
				})
				return
			}

			// Expose the decision for downstream quota introspection.
			ctx := context.WithValue(r.Context(), ctxkey.DecisionKey{}, decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveIdentifier applies the resolution order:
// explicit extractor > authenticated user > client IP.
func (rl *RateLimiter) resolveIdentifier(r *http.Request, extract IdentifierExtractor) string {
	if extract != nil {
		if id := extract(r); id != "" {
			return id
		}
	}
	return DefaultIdentifier(r)
}

// DefaultIdentifier derives the rate limit identifier from request context:
// "user:<id>" when authenticated, otherwise "ip:<addr>".
func DefaultIdentifier(r *http.Request) string {
	if userID, ok := UserIDFromContext(r.Context()); ok {
		return ratelimit.FormatIdentifier(ratelimit.IdentifierTypeUser, userID)
	}
	if ip, ok := IPFromContext(r.Context()); ok {
		return ratelimit.FormatIdentifier(ratelimit.IdentifierTypeIP, ip)
	}
	return ratelimit.FormatIdentifier(ratelimit.IdentifierTypeIP, extractRealIP(r))
}

// DecisionFromContext returns the decision attached by the limiter
// middleware, if any.
func DecisionFromContext(ctx context.Context) (ratelimit.Decision, bool) {
	d, ok := ctx.Value(ctxkey.DecisionKey{}).(ratelimit.Decision)
	return d, ok
}

// setRateHeaders attaches the standard rate limit headers.
// Reset is epoch milliseconds, matching the JSON wire format.
func setRateHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
}
