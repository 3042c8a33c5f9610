package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/ledgerline/ledgergate/internal/port/outbound"
)

// ErrTokenNotFound is returned when a bearer token matches no known user.
var ErrTokenNotFound = errors.New("token not found")

// StaticTokenVerifier implements outbound.TokenVerifier with a fixed map of
// SHA-256 token hashes to user IDs, loaded from configuration. It stands in
// for the real identity provider in development and tests.
// Thread-safe for concurrent access.
type StaticTokenVerifier struct {
	mu    sync.RWMutex
	users map[string]string // "sha256:<hex>" -> user ID
}

// NewStaticTokenVerifier creates an empty verifier.
func NewStaticTokenVerifier() *StaticTokenVerifier {
	return &StaticTokenVerifier{
		users: make(map[string]string),
	}
}

// AddToken registers a token hash for a user (for config seeding and tests).
// The hash must be in "sha256:<hex>" form.
func (v *StaticTokenVerifier) AddToken(tokenHash, userID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.users[tokenHash] = userID
}

// Verify resolves a raw bearer token to a user ID.
// Returns ErrTokenNotFound for unknown tokens.
func (v *StaticTokenVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrTokenNotFound
	}

	sum := sha256.Sum256([]byte(token))
	hash := "sha256:" + hex.EncodeToString(sum[:])

	v.mu.RLock()
	defer v.mu.RUnlock()

	userID, ok := v.users[hash]
	if !ok {
		return "", ErrTokenNotFound
	}
	return userID, nil
}

// Compile-time interface verification.
var _ outbound.TokenVerifier = (*StaticTokenVerifier)(nil)
