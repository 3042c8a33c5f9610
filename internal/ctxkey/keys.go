// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by HTTP middleware to store and retrieve the logger with request_id fields.
type LoggerKey struct{}

// UserIDKey is the context key type for the authenticated user ID
// resolved by the bearer-token middleware.
type UserIDKey struct{}

// IPAddressKey is the context key type for the client's real IP address.
type IPAddressKey struct{}

// DecisionKey is the context key type for the rate limit decision attached
// by the limiter middleware, for downstream quota introspection.
type DecisionKey struct{}
