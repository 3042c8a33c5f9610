// Package outbound defines interfaces for external collaborators.
package outbound

import "context"

// TokenVerifier resolves a bearer token to a user identifier.
//
// In production this is the identity provider's verification endpoint; the
// config-backed stand-in under adapter/outbound/memory serves development and
// tests. Verification failure is not fatal to a request: the middleware falls
// back to IP-based rate limiting.
type TokenVerifier interface {
	// Verify returns the user ID the token authenticates, or an error when
	// the token is missing, malformed, or unknown.
	Verify(ctx context.Context, token string) (string, error)
}
