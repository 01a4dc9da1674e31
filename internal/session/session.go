// Package session owns authentication tokens. A token is bound to a username
// for a bounded time and disappears either on explicit deletion (logout) or
// once its deadline passes. Two backends are provided: an in-process expiring
// map and a Redis-backed store for deployments that restart often.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const (
	// DefaultTTL matches the session cookie max-age handed to browsers.
	DefaultTTL = 10 * time.Minute

	// TokenBytes is the amount of entropy in a token before hex encoding.
	TokenBytes = 64
)

// Session is a time-bounded proof of authentication bound to a token.
type Session struct {
	Token     string
	Username  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store creates, resolves and deletes sessions. Absence is not an error:
// Resolve reports it through ok == false, and Delete of an unknown token is a
// no-op.
type Store interface {
	Create(ctx context.Context, username string, ttl time.Duration) (string, error)
	Resolve(ctx context.Context, token string) (username string, ok bool)
	Delete(ctx context.Context, token string)
	Close() error
}

// NewToken returns a hex-encoded random token.
func NewToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
