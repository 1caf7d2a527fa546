// Package session implements the C3 session store: the record created by a
// successful ECDH handshake (pkg/cryptoengine) and consulted by every later
// encrypted call a widget makes for the same page load.
package session

import (
	"context"
	"errors"
	"time"
)

var ErrSessionMissing = errors.New("session missing")

// Session binds a widget's ephemeral handshake to a derived AEAD key, scoped
// to a single sitekey, so that challenge issuance and verification token
// redemption can be linked back to the same client across requests without
// re-running the ECDH exchange each time.
type Session struct {
	ID               string
	Sitekey          string
	ClientPublicKey  []byte
	ServicePublicKey []byte
	ServiceNonce     string
	Key              []byte
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExpiresAt        time.Time
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Store is the lookup surface every session backend (in-memory today,
// potentially a distributed cache later) must provide.
type Store interface {
	Start(ctx context.Context, gcInterval time.Duration)
	Create(ctx context.Context, sess *Session) error
	Read(ctx context.Context, id string) (*Session, error)
	Touch(ctx context.Context, id string, now time.Time) error
	Destroy(ctx context.Context, id string) error
	GC(ctx context.Context, maxLifetime time.Duration)
}
