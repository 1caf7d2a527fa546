package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/session/store/memory"
	"github.com/stretchr/testify/require"
)

func TestManagerBeginAndLookup(t *testing.T) {
	mgr := &session.Manager{Store: memory.New(), MaxLifetime: time.Minute}
	mgr.Init(context.Background(), time.Minute)

	client, err := cryptoengine.GenerateKeyPair()
	require.NoError(t, err)

	sess, servicePub, err := mgr.Begin(context.Background(), "sitekey-1", client.PublicKeyBytes())
	require.NoError(t, err)
	require.NotEmpty(t, servicePub)
	require.Len(t, sess.Key, 32)

	found, err := mgr.Lookup(context.Background(), "sitekey-1", sess.ID)
	require.NoError(t, err)
	require.Equal(t, sess.Key, found.Key)
}

func TestManagerLookupRejectsWrongSitekey(t *testing.T) {
	mgr := &session.Manager{Store: memory.New(), MaxLifetime: time.Minute}
	mgr.Init(context.Background(), time.Minute)

	client, err := cryptoengine.GenerateKeyPair()
	require.NoError(t, err)

	sess, _, err := mgr.Begin(context.Background(), "sitekey-1", client.PublicKeyBytes())
	require.NoError(t, err)

	_, err = mgr.Lookup(context.Background(), "sitekey-2", sess.ID)
	require.ErrorIs(t, err, session.ErrSessionMissing)
}

func TestManagerRehandshakeReplacesPriorSession(t *testing.T) {
	mgr := &session.Manager{Store: memory.New(), MaxLifetime: time.Minute}
	mgr.Init(context.Background(), time.Minute)

	client, err := cryptoengine.GenerateKeyPair()
	require.NoError(t, err)

	first, _, err := mgr.Begin(context.Background(), "sitekey-1", client.PublicKeyBytes())
	require.NoError(t, err)

	second, _, err := mgr.Begin(context.Background(), "sitekey-1", client.PublicKeyBytes())
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.NotEqual(t, first.Key, second.Key)

	found, err := mgr.Lookup(context.Background(), "sitekey-1", second.ID)
	require.NoError(t, err)
	require.Equal(t, second.Key, found.Key)
}

func TestManagerLookupRejectsExpired(t *testing.T) {
	mgr := &session.Manager{Store: memory.New(), MaxLifetime: -time.Second}
	mgr.Init(context.Background(), time.Minute)

	client, err := cryptoengine.GenerateKeyPair()
	require.NoError(t, err)

	sess, _, err := mgr.Begin(context.Background(), "sitekey-1", client.PublicKeyBytes())
	require.NoError(t, err)

	_, err = mgr.Lookup(context.Background(), "sitekey-1", sess.ID)
	require.ErrorIs(t, err, session.ErrSessionMissing)
}
