package cryptoengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeDerivesMatchingMasterKeys(t *testing.T) {
	client, err := GenerateKeyPair()
	require.NoError(t, err)

	service, err := GenerateKeyPair()
	require.NoError(t, err)

	clientSecret, err := client.SharedSecret(service.PublicKeyBytes())
	require.NoError(t, err)

	serviceSecret, err := service.SharedSecret(client.PublicKeyBytes())
	require.NoError(t, err)

	require.Equal(t, clientSecret, serviceSecret)

	clientMaster, err := DeriveMaster(clientSecret, service.PublicKeyBytes(), "nonce-1", 32)
	require.NoError(t, err)

	serviceMaster, err := DeriveMaster(serviceSecret, service.PublicKeyBytes(), "nonce-1", 32)
	require.NoError(t, err)

	require.Equal(t, clientMaster, serviceMaster)
}

func TestDeriveChildDirectionsAndChallengesDiffer(t *testing.T) {
	master := make([]byte, 32)
	for i := range master {
		master[i] = byte(i)
	}

	challengeA := []byte("challenge-a")
	challengeB := []byte("challenge-b")

	encryptKey, err := DeriveChild(master, challengeA, DirectionEncrypt, 32)
	require.NoError(t, err)

	decryptKey, err := DeriveChild(master, challengeA, DirectionDecrypt, 32)
	require.NoError(t, err)

	metadataKey, err := DeriveChild(master, challengeA, DirectionMetadata, 32)
	require.NoError(t, err)

	configKey, err := DeriveChild(master, challengeA, DirectionConfig, 32)
	require.NoError(t, err)

	require.NotEqual(t, encryptKey, decryptKey)
	require.NotEqual(t, encryptKey, metadataKey)
	require.NotEqual(t, encryptKey, configKey)

	otherChallengeKey, err := DeriveChild(master, challengeB, DirectionEncrypt, 32)
	require.NoError(t, err)
	require.NotEqual(t, encryptKey, otherChallengeKey)
}

func TestDeriveChildIsDeterministic(t *testing.T) {
	master := make([]byte, 32)
	challengeID := []byte("challenge-repeat")

	first, err := DeriveChild(master, challengeID, DirectionEncrypt, 32)
	require.NoError(t, err)

	second, err := DeriveChild(master, challengeID, DirectionEncrypt, 32)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	plaintext := []byte("verification-payload")
	aad := []byte("sitekey:abc123")

	ciphertext, err := Seal(key, plaintext, aad)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	recovered, err := Open(key, ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func TestOpenRejectsTamperedAAD(t *testing.T) {
	key := make([]byte, 32)
	ciphertext, err := Seal(key, []byte("payload"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = Open(key, ciphertext, []byte("aad-b"))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSharedSecretRejectsInvalidPeerKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = kp.SharedSecret([]byte("not-a-valid-point"))
	require.ErrorIs(t, err, ErrInvalidPeerKey)
}
