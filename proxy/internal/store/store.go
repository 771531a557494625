// Package store tracks browser client sessions for the proxy. Sessions are
// keyed by an opaque token carried in a cookie and indexed by client id.
// Four backends implement the same interface: an in-memory sharded map
// (default), SQLite, PostgreSQL, and Redis.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel results for token lookups. Expired sessions are distinguished
// from unknown ones so the HTTP layer can answer 401 versus 404.
var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// ClientSession is one browser client's session record.
type ClientSession struct {
	ClientID        uuid.UUID         `json:"client_id"`
	SessionToken    string            `json:"session_token"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActive      time.Time         `json:"last_active"`
	IsAuthenticated bool              `json:"is_authenticated"`
	WalletAddress   *string           `json:"wallet_address,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Response is the API projection of a session. The session token is
// deliberately absent: it travels only in the cookie.
type Response struct {
	ClientID        uuid.UUID `json:"client_id"`
	CreatedAt       time.Time `json:"created_at"`
	IsAuthenticated bool      `json:"is_authenticated"`
	WalletAddress   *string   `json:"wallet_address"`
	NewSession      bool      `json:"new_session"`
}

// Response projects the session for an HTTP body.
func (s *ClientSession) Response(newSession bool) Response {
	return Response{
		ClientID:        s.ClientID,
		CreatedAt:       s.CreatedAt,
		IsAuthenticated: s.IsAuthenticated,
		WalletAddress:   s.WalletAddress,
		NewSession:      newSession,
	}
}

// Patch is a partial session update. Nil fields are left unchanged;
// metadata entries are merged into the existing map.
type Patch struct {
	IsAuthenticated *bool
	WalletAddress   *string
	Metadata        map[string]string
}

// Store is the session persistence interface.
type Store interface {
	// RegisterAnonymous creates a new anonymous session with a fresh
	// client id and token.
	RegisterAnonymous(ctx context.Context) (*ClientSession, error)

	// GetByToken returns the session for a cookie token and touches its
	// activity timestamp. Returns ErrExpired or ErrNotFound.
	GetByToken(ctx context.Context, token string) (*ClientSession, error)

	// GetByClient looks a session up by client id, with the same touch
	// and error semantics as GetByToken.
	GetByClient(ctx context.Context, clientID uuid.UUID) (*ClientSession, error)

	// Touch updates the session's last_active timestamp. Missing tokens
	// are a no-op.
	Touch(ctx context.Context, token string) error

	// Update applies a patch and touches the session.
	Update(ctx context.Context, token string, patch Patch) (*ClientSession, error)

	// Invalidate removes a session. The second call for the same token
	// returns false.
	Invalidate(ctx context.Context, token string) (bool, error)

	// ReapExpired deletes sessions whose inactivity exceeds the TTL and
	// returns how many were removed.
	ReapExpired(ctx context.Context, now time.Time) (int, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// expired reports whether a session is past its TTL. The comparison is
// strict: a session whose last_active sits exactly at now-ttl is alive.
func expired(lastActive, now time.Time, ttl time.Duration) bool {
	return now.Sub(lastActive) > ttl
}

// applyPatch mutates a session in place per the patch semantics.
func applyPatch(s *ClientSession, patch Patch) {
	if patch.IsAuthenticated != nil {
		s.IsAuthenticated = *patch.IsAuthenticated
	}
	if patch.WalletAddress != nil {
		s.WalletAddress = patch.WalletAddress
	}
	if len(patch.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			s.Metadata[k] = v
		}
	}
}
