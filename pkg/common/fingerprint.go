package common

import (
	randv2 "math/rand/v2"

	"golang.org/x/crypto/blake2b"
)

type TFingerprint = uint64

// RandomFingerprint stands in for a fingerprint when a caller has no
// client-reported fingerprint bytes to hash, e.g. local test fixtures.
func RandomFingerprint() TFingerprint {
	return randv2.Uint64()
}

// HashFingerprint folds a widget-reported behavioral fingerprint blob
// (gesture/audio-derived bytes) into a stable TFingerprint, keyed by the
// deployment's fingerprint salt so two deployments never collide on the
// same raw client data. Keyed blake2b rather than a bare hash so the salt
// acts the way an HMAC key would without pulling in crypto/hmac for it.
func HashFingerprint(salt []byte, data []byte) TFingerprint {
	h, err := blake2b.New256(salt)
	if err != nil {
		// salt longer than blake2b's 64-byte key limit; fall back to
		// unkeyed hashing rather than fail fingerprinting outright.
		h, _ = blake2b.New256(nil)
	}
	h.Write(data)
	sum := h.Sum(nil)

	var fp TFingerprint
	for _, b := range sum[:8] {
		fp = (fp << 8) | TFingerprint(b)
	}
	return fp
}
