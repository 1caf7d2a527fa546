// Package sitecfg implements C9, encrypted per-sitekey configuration
// delivery: the public, widget-facing subset of a sitekey's policy, sealed
// under a key derived from the caller's handshake session so only that
// session's widget can read it, with a client nonce echoed back and a
// server timestamp attached so replays of an old config blob are
// detectable by the widget.
package sitecfg

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"

	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
)

// PublicConfig is the subset of a Policy safe to ship to an untrusted
// client: puzzle types it may be asked to solve and the PoW difficulty it
// should expect, alongside the freshness fields the widget must check.
type PublicConfig struct {
	EnabledTypes    []sitekey.PuzzleType `json:"enabled_types"`
	PowDifficulty   uint8                `json:"pow_difficulty"`
	ClientNonce     string               `json:"client_nonce"`
	ServerTimestamp int64                `json:"server_timestamp"`
}

// Service implements the C9 delivery algorithm: resolve the caller's
// session, build the public config, and seal it under a session-scoped
// child key.
type Service struct {
	Sitekeys sitekey.Store
	Sessions *session.Manager
	Now      func() int64
}

// Deliver runs the 6-step C9 algorithm: look up the session, look up the
// sitekey, mint a fresh opaque configId, build the public config (echoing
// clientNonce and stamping the current time), derive the config-direction
// child key off the session's master key using configId as context, and
// seal with configId as AAD -- binding the ciphertext to this one delivery
// so it cannot be replayed against a different configId.
func (s *Service) Deliver(ctx context.Context, sitekeyPublic, sessionID, clientNonce string) (ciphertext []byte, configID string, err error) {
	sess, err := s.Sessions.Lookup(ctx, sitekeyPublic, sessionID)
	if err != nil {
		return nil, "", err
	}

	sk, err := s.Sitekeys.GetByPublicKey(ctx, sitekeyPublic)
	if err != nil {
		return nil, "", err
	}

	configID, err = newConfigID()
	if err != nil {
		return nil, "", err
	}

	now := s.nowUnix()
	cfg := PublicConfig{
		EnabledTypes:    sk.Policy.EnabledTypes,
		PowDifficulty:   sk.Policy.PowDifficulty,
		ClientNonce:     clientNonce,
		ServerTimestamp: now,
	}

	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return nil, "", err
	}

	childKey, err := cryptoengine.DeriveChild(sess.Key, []byte(configID), cryptoengine.DirectionConfig, 32)
	if err != nil {
		return nil, "", err
	}

	ciphertext, err = cryptoengine.Seal(childKey, plaintext, []byte(configID))
	if err != nil {
		return nil, "", err
	}

	return ciphertext, configID, nil
}

func newConfigID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) nowUnix() int64 {
	if s.Now != nil {
		return s.Now()
	}
	return defaultNow()
}
