// Package auth admits subscribers and callers to the two trust tiers: the
// agent, holding a shared key, and end users, holding a signed session.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// Header and cookie names
const (
	AgentKeyHeader = "X-Agent-Api-Key"
	SessionCookie  = "session"
)

var (
	// ErrNoSession is returned when a request carries no session token
	ErrNoSession = errors.New("no session token")
	// ErrBadSession is returned for a malformed or forged token
	ErrBadSession = errors.New("invalid session token")
)

// AgentKeyValid compares a presented agent key with the configured one.
// With no key configured every caller is admitted.
func AgentKeyValid(configured, presented string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// AgentKey extracts the agent key from the header, or from the key query
// parameter for websocket clients that cannot set headers.
func AgentKey(r *http.Request) string {
	if key := r.Header.Get(AgentKeyHeader); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

// Sessions verifies tokens of the form base64url(userID) "." hex(hmac)
type Sessions struct {
	secret []byte
}

// NewSessions creates a verifier. An empty secret rejects every token.
func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret)}
}

// Sign issues a token for userID
func (s *Sessions) Sign(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." + hex.EncodeToString(s.mac(userID))
}

// Verify returns the user a token was issued to
func (s *Sessions) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrNoSession
	}
	if len(s.secret) == 0 {
		return "", ErrBadSession
	}
	encodedUser, encodedMAC, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrBadSession
	}
	user, err := base64.RawURLEncoding.DecodeString(encodedUser)
	if err != nil || len(user) == 0 {
		return "", ErrBadSession
	}
	mac, err := hex.DecodeString(encodedMAC)
	if err != nil {
		return "", ErrBadSession
	}
	if !hmac.Equal(mac, s.mac(string(user))) {
		return "", ErrBadSession
	}
	return string(user), nil
}

// Authenticate verifies the request's bearer token or session cookie
func (s *Sessions) Authenticate(r *http.Request) (string, error) {
	return s.Verify(SessionToken(r))
}

func (s *Sessions) mac(userID string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(userID))
	return h.Sum(nil)
}

// SessionToken reads a bearer token, falling back to the session cookie
func SessionToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
