package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
)

// Manager runs the C1 handshake and turns its result into a stored C3
// session: an ephemeral service keypair is generated per handshake, the
// shared secret is derived once, and the session key is cached so later
// requests never repeat the ECDH exchange.
type Manager struct {
	Store       Store
	MaxLifetime time.Duration
}

func (m *Manager) Init(ctx context.Context, gcInterval time.Duration) {
	m.Store.Start(ctx, gcInterval)
}

// sessionID derives a deterministic id from (sitekey, clientPublicKey) so
// there is at most one live session per pair: a second handshake for the
// same widget instance resolves to the same id and replaces the first
// session rather than accumulating a new one.
func sessionID(sitekey string, clientPublicKey []byte) string {
	h := sha256.New()
	h.Write([]byte(sitekey))
	h.Write([]byte{0})
	h.Write(clientPublicKey)
	return hex.EncodeToString(h.Sum(nil))
}

func newServiceNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Begin completes a handshake for sitekey against the client's ephemeral
// public key, derives the session's master key, and stores it. It returns
// the new session along with the service's ephemeral public key and nonce,
// which the caller must return to the client so it can derive the same
// master key. A second Begin call for the same (sitekey, clientPublicKey)
// pair replaces the prior session outright.
func (m *Manager) Begin(ctx context.Context, sitekey string, clientPublicKey []byte) (*Session, []byte, error) {
	serviceKeys, err := cryptoengine.GenerateKeyPair()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to generate handshake keypair", common.ErrAttr(err))
		return nil, nil, err
	}

	shared, err := serviceKeys.SharedSecret(clientPublicKey)
	if err != nil {
		slog.WarnContext(ctx, "Failed to compute handshake shared secret", common.ErrAttr(err))
		return nil, nil, err
	}

	servicePublicKey := serviceKeys.PublicKeyBytes()

	nonce, err := newServiceNonce()
	if err != nil {
		return nil, nil, err
	}

	masterKey, err := cryptoengine.DeriveMaster(shared, servicePublicKey, nonce, 32)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:               sessionID(sitekey, clientPublicKey),
		Sitekey:          sitekey,
		ClientPublicKey:  clientPublicKey,
		ServicePublicKey: servicePublicKey,
		ServiceNonce:     nonce,
		Key:              masterKey,
		CreatedAt:        now,
		LastUsedAt:       now,
		ExpiresAt:        now.Add(m.MaxLifetime),
	}

	if err := m.Store.Create(ctx, sess); err != nil {
		slog.ErrorContext(ctx, "Failed to persist session", "sessionID", sess.ID, common.ErrAttr(err))
		return nil, nil, err
	}

	return sess, servicePublicKey, nil
}

// Lookup resolves a previously established session by id, refreshing its
// last-used timestamp. It fails closed on expiry: an expired session is
// destroyed and treated as missing rather than silently extended.
func (m *Manager) Lookup(ctx context.Context, sitekey, id string) (*Session, error) {
	sess, err := m.Store.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	if sess.Sitekey != sitekey {
		return nil, ErrSessionMissing
	}

	now := time.Now().UTC()
	if sess.Expired(now) {
		_ = m.Store.Destroy(ctx, id)
		return nil, ErrSessionMissing
	}

	if err := m.Store.Touch(ctx, id, now); err != nil {
		slog.WarnContext(ctx, "Failed to touch session", "sessionID", id, common.ErrAttr(err))
	}

	return sess, nil
}

func (m *Manager) Destroy(ctx context.Context, id string) {
	go common.RunAdHocFunc(common.CopyTraceID(ctx, context.Background()), func(bctx context.Context) error {
		return m.Store.Destroy(bctx, id)
	})
}
