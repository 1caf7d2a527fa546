package sitecfg_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
	"github.com/captchaforge/gatekeeper/pkg/sitecfg"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/session/store/memory"
	"github.com/stretchr/testify/require"
)

type fakeSitekeyStore struct{ sk *sitekey.Sitekey }

func (f *fakeSitekeyStore) Create(ctx context.Context, domain string, p sitekey.Policy) (*sitekey.Sitekey, string, error) {
	return f.sk, "secret", nil
}
func (f *fakeSitekeyStore) GetByPublicKey(ctx context.Context, publicKey string) (*sitekey.Sitekey, error) {
	return f.sk, nil
}
func (f *fakeSitekeyStore) GetBySecretHash(ctx context.Context, secretHash string) (*sitekey.Sitekey, error) {
	return f.sk, nil
}
func (f *fakeSitekeyStore) UpdatePolicy(ctx context.Context, publicKey string, p sitekey.Policy) error {
	f.sk.Policy = p
	return nil
}

func TestDeliverProducesConfigDecryptableBySessionKey(t *testing.T) {
	ctx := context.Background()

	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleGrid}
	p.PowDifficulty = 4

	sk := &sitekey.Sitekey{PublicKey: "sk-test", Policy: p}

	mgr := &session.Manager{Store: memory.New(), MaxLifetime: time.Minute}
	mgr.Init(ctx, time.Minute)

	client, err := cryptoengine.GenerateKeyPair()
	require.NoError(t, err)

	sess, _, err := mgr.Begin(ctx, "sk-test", client.PublicKeyBytes())
	require.NoError(t, err)

	svc := &sitecfg.Service{Sitekeys: &fakeSitekeyStore{sk: sk}, Sessions: mgr}

	ciphertext, configID, err := svc.Deliver(ctx, "sk-test", sess.ID, "client-nonce-1")
	require.NoError(t, err)
	require.NotEmpty(t, configID)

	childKey, err := cryptoengine.DeriveChild(sess.Key, []byte(configID), cryptoengine.DirectionConfig, 32)
	require.NoError(t, err)

	plaintext, err := cryptoengine.Open(childKey, ciphertext, []byte(configID))
	require.NoError(t, err)

	var cfg sitecfg.PublicConfig
	require.NoError(t, json.Unmarshal(plaintext, &cfg))
	require.Equal(t, "client-nonce-1", cfg.ClientNonce)
	require.Equal(t, uint8(4), cfg.PowDifficulty)
	require.Equal(t, []sitekey.PuzzleType{sitekey.PuzzleGrid}, cfg.EnabledTypes)
	require.NotZero(t, cfg.ServerTimestamp)
}

func TestDeliverFailsForUnknownSession(t *testing.T) {
	ctx := context.Background()
	sk := &sitekey.Sitekey{PublicKey: "sk-test", Policy: sitekey.DefaultPolicy()}

	mgr := &session.Manager{Store: memory.New(), MaxLifetime: time.Minute}
	mgr.Init(ctx, time.Minute)

	svc := &sitecfg.Service{Sitekeys: &fakeSitekeyStore{sk: sk}, Sessions: mgr}

	_, _, err := svc.Deliver(ctx, "sk-test", "nonexistent-session", "nonce")
	require.Error(t, err)
}
