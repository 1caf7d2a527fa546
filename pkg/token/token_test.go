package token_test

import (
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/token"
	"github.com/stretchr/testify/require"
)

func TestIssueConsumeRoundTrip(t *testing.T) {
	key := []byte("test-signing-key")
	store := token.NewStore[string](token.KindChallenge, 100)

	tok, err := store.Issue(key, "payload-1", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, tok)

	payload, err := store.Consume(key, tok)
	require.NoError(t, err)
	require.Equal(t, "payload-1", payload)
}

func TestConsumeRejectsReplay(t *testing.T) {
	key := []byte("test-signing-key")
	store := token.NewStore[string](token.KindVerification, 100)

	tok, err := store.Issue(key, "payload-1", time.Minute)
	require.NoError(t, err)

	_, err = store.Consume(key, tok)
	require.NoError(t, err)

	_, err = store.Consume(key, tok)
	require.ErrorIs(t, err, token.ErrAlreadyConsumed)
}

func TestConsumeRejectsExpired(t *testing.T) {
	key := []byte("test-signing-key")
	store := token.NewStore[string](token.KindConfig, 100)

	tok, err := store.Issue(key, "payload-1", -time.Second)
	require.NoError(t, err)

	_, err = store.Consume(key, tok)
	require.ErrorIs(t, err, token.ErrNotFound)
}

func TestConsumeRejectsWrongKind(t *testing.T) {
	key := []byte("test-signing-key")

	challenges := token.NewStore[string](token.KindChallenge, 100)
	verifications := token.NewStore[string](token.KindVerification, 100)

	tok, err := challenges.Issue(key, "payload-1", time.Minute)
	require.NoError(t, err)

	_, err = verifications.Consume(key, tok)
	require.ErrorIs(t, err, token.ErrInvalidSignature)
}

func TestConsumeRejectsTamperedToken(t *testing.T) {
	key := []byte("test-signing-key")
	store := token.NewStore[string](token.KindChallenge, 100)

	tok, err := store.Issue(key, "payload-1", time.Minute)
	require.NoError(t, err)

	tampered := tok + "x"
	_, err = store.Consume(key, tampered)
	require.ErrorIs(t, err, token.ErrInvalidSignature)
}

func TestPeekDoesNotConsume(t *testing.T) {
	key := []byte("test-signing-key")
	store := token.NewStore[int](token.KindChallenge, 100)

	tok, err := store.Issue(key, 42, time.Minute)
	require.NoError(t, err)

	v, err := store.Peek(key, tok)
	require.NoError(t, err)
	require.Equal(t, 42, v)

	v, err = store.Consume(key, tok)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestStoreEvictsOldestBeyondCapacity(t *testing.T) {
	key := []byte("test-signing-key")
	store := token.NewStore[int](token.KindChallenge, 2)

	first, err := store.Issue(key, 1, time.Minute)
	require.NoError(t, err)
	_, err = store.Issue(key, 2, time.Minute)
	require.NoError(t, err)
	_, err = store.Issue(key, 3, time.Minute)
	require.NoError(t, err)

	require.Equal(t, 2, store.Len())

	_, err = store.Consume(key, first)
	require.ErrorIs(t, err, token.ErrNotFound)
}
