package api

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource holds the current bearer token. Issuance and refresh happen
// outside this process; the source only stores what it is given and reads
// the expiry claim so readiness can report stale auth.
type TokenSource struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func NewTokenSource(token string) *TokenSource {
	ts := &TokenSource{}
	ts.Set(token)
	return ts
}

// Set replaces the current token and re-reads its expiry. The token is not
// verified here; the server is the authority on validity.
func (ts *TokenSource) Set(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.token = token
	ts.expiresAt = time.Time{}
	if token == "" {
		return
	}

	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		ts.expiresAt = claims.ExpiresAt.Time
	}
}

func (ts *TokenSource) Token() string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.token
}

// Valid reports whether a token is present and, when it carries an expiry
// claim, not yet expired.
func (ts *TokenSource) Valid() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.token == "" {
		return false
	}
	if ts.expiresAt.IsZero() {
		return true
	}
	return time.Now().Before(ts.expiresAt)
}

func (ts *TokenSource) ExpiresAt() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.expiresAt
}
