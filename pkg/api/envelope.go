// Package api implements C11: the public HTTP surface that wires every
// other component (handshake, config delivery, challenge issuance,
// verification, siteverify redemption) into one router, following the
// teacher's alice-chain-per-route, handler-calls-core-method pattern.
package api

import (
	"encoding/base64"
	"errors"

	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
)

// Protocol names the wire format an enveloped request/response uses. A
// widget without Web Crypto falls back to ProtocolPlaintextV1; the server
// still accepts it, but verify scores the attempt with a higher risk
// baseline for it.
type Protocol string

const (
	ProtocolEncryptedV1 Protocol = "encrypted-v1"
	ProtocolPlaintextV1 Protocol = "plaintext-v1"
)

var ErrUnsupportedProtocol = errors.New("api: unsupported envelope protocol")

// envelope is the wire shape every /challenge and /verify body (request and
// response) is wrapped in: a protocol tag plus base64-encoded payload data,
// which is AEAD ciphertext under ProtocolEncryptedV1 or raw JSON under
// ProtocolPlaintextV1.
type envelope struct {
	Protocol Protocol `json:"protocol"`
	Data     string   `json:"data"`
}

// openEnvelope decodes e.Data and, for the encrypted protocol, opens it
// with key/aad. It reports whether the plaintext-fallback protocol was
// used so callers can feed that into risk scoring.
func openEnvelope(e envelope, key, aad []byte) (plaintext []byte, usedPlaintext bool, err error) {
	raw, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, false, err
	}

	switch e.Protocol {
	case ProtocolEncryptedV1, "":
		plaintext, err = cryptoengine.Open(key, raw, aad)
		if err != nil {
			return nil, false, err
		}
		return plaintext, false, nil
	case ProtocolPlaintextV1:
		return raw, true, nil
	default:
		return nil, false, ErrUnsupportedProtocol
	}
}

// sealEnvelope seals plaintext for the encrypted protocol. The server never
// emits a plaintext-protocol response: the fallback is client-initiated
// only, and responses to a plaintext request are still encrypted when the
// server holds a session key, since only the request body benefits from
// the accessibility/compatibility fallback.
func sealEnvelope(key, plaintext, aad []byte) (envelope, error) {
	ciphertext, err := cryptoengine.Seal(key, plaintext, aad)
	if err != nil {
		return envelope{}, err
	}
	return envelope{
		Protocol: ProtocolEncryptedV1,
		Data:     base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}
