// Package cryptoengine implements the handshake and AEAD primitives every
// encrypted surface of the service builds on: the ECDH key agreement a
// widget performs with the service (C1), and the HKDF-derived child keys
// that encrypt sessions, config payloads, and verification tokens.
package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrInvalidPeerKey   = errors.New("invalid peer public key")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrShortCiphertext  = errors.New("ciphertext too short")
	ErrLowOrderPoint    = errors.New("ecdh: low-order or identity point")
)

// Curve is the curve used for the widget/service handshake. P-256 is chosen
// over X25519 so the wire format matches what browser-side Web Crypto
// (crypto.subtle, ECDH P-256) can produce without extra polyfills.
func Curve() ecdh.Curve {
	return ecdh.P256()
}

// KeyPair is an ephemeral ECDH key pair, generated fresh per handshake.
type KeyPair struct {
	private *ecdh.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	priv, err := Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ecdh key: %w", err)
	}
	return &KeyPair{private: priv}, nil
}

func (kp *KeyPair) PublicKeyBytes() []byte {
	return kp.private.PublicKey().Bytes()
}

// SharedSecret performs the ECDH exchange against a peer's raw public key
// bytes, rejecting low-order/identity results the same way the curve25519
// convention does for X25519.
func (kp *KeyPair) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	peer, err := Curve().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, ErrInvalidPeerKey
	}

	shared, err := kp.private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh exchange: %w", err)
	}

	var zero [32]byte
	if len(shared) >= len(zero) && subtle.ConstantTimeCompare(shared[:len(zero)], zero[:]) == 1 {
		return nil, ErrLowOrderPoint
	}

	return shared, nil
}

// Direction domain-separates child keys derived off one handshake's master
// key. The labels are historical (encryptSolution uses "decrypt" and
// encryptVerificationMetadata uses "metadata") but must stay exactly as
// written below: both client and server widgets derive off these literal
// strings, and changing one breaks the other side's key derivation.
type Direction string

const (
	DirectionEncrypt  Direction = "encrypt"
	DirectionDecrypt  Direction = "decrypt"
	DirectionMetadata Direction = "metadata"
	DirectionConfig   Direction = "config"
)

const (
	masterInfo    = "captcha-session-v1"
	childInfoStem = "captcha-challenge-v1:"
)

// DeriveMaster runs HKDF-SHA256 once per handshake over the raw ECDH shared
// secret, binding in the service's public key and its freshly generated
// nonce as salt. Every key used for the lifetime of that session descends
// from this master key via DeriveChild, never from the shared secret
// directly.
func DeriveMaster(sharedSecret, servicePublicKey []byte, serviceNonce string, keyLen int) ([]byte, error) {
	salt := make([]byte, 0, len(servicePublicKey)+len(serviceNonce))
	salt = append(salt, servicePublicKey...)
	salt = append(salt, []byte(serviceNonce)...)

	return hkdfExpand(sharedSecret, salt, []byte(masterInfo), keyLen)
}

// DeriveChild derives a single-purpose key off a session's master key for
// one challenge, domain-separated by direction and the challenge id, so a
// key leaked for one challenge or one purpose never helps an attacker with
// another.
func DeriveChild(master, challengeID []byte, dir Direction, keyLen int) ([]byte, error) {
	sum := sha256.Sum256(challengeID)
	info := childInfoStem + string(dir) + ":" + fmt.Sprintf("%x", sum)

	return hkdfExpand(master, nil, []byte(info), keyLen)
}

func hkdfExpand(secret, salt, info []byte, keyLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under key, returning nonce||ciphertext.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nonce, nonce, plaintext, additionalData)
	return ciphertext, nil
}

// Open reverses Seal, expecting payload = nonce||ciphertext.
func Open(key, payload, additionalData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(payload) < aead.NonceSize() {
		return nil, ErrShortCiphertext
	}

	nonce, ciphertext := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
