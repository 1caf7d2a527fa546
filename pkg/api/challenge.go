package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/captchaforge/gatekeeper/pkg/challenge"
	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/verify"
)

type challengeRequestWire struct {
	Sitekey   string   `json:"sitekey"`
	SessionID string   `json:"session_id"`
	Protocol  Protocol `json:"protocol"`
	Data      string   `json:"data"`
}

type challengeInnerRequest struct {
	RequestedType sitekey.PuzzleType `json:"requested_type,omitempty"`
	// Fingerprint is an optional hex-encoded behavioral/device fingerprint
	// blob; when the sitekey's policy allows it and this fingerprint has
	// already earned trust, issuance can skip puzzle display entirely.
	Fingerprint string `json:"fingerprint,omitempty"`
}

type powParamsWire struct {
	Salt       string `json:"salt"`
	TargetHash string `json:"target_hash"`
	MaxNumber  uint64 `json:"max_number"`
}

type challengeInnerResponse struct {
	ChallengeToken string             `json:"challenge_token,omitempty"`
	Type           sitekey.PuzzleType `json:"type,omitempty"`
	PuzzleData     json.RawMessage    `json:"puzzle_data,omitempty"`
	PowParams      *powParamsWire     `json:"pow_params,omitempty"`
	// Skipped is true when a trusted fingerprint bypassed puzzle display;
	// the widget should go straight to treating VerificationToken as final
	// instead of rendering a puzzle.
	Skipped           bool   `json:"skipped,omitempty"`
	VerificationToken string `json:"verification_token,omitempty"`
}

type challengeResponseWire struct {
	Protocol Protocol `json:"protocol"`
	Data     string   `json:"data"`
}

// challengeHandler runs C4 behind the session-scoped envelope: it decrypts
// the (optional) requested puzzle type, runs the C6 filter pipeline, and
// returns a fresh challenge plus its proof-of-work, encrypted the same way
// the request was.
func (s *Server) challengeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req challengeRequestWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sitekey == "" || req.SessionID == "" {
		s.writeError(ctx, w, common.ErrMalformedRequest, "")
		return
	}

	sess, err := s.Sessions.Lookup(ctx, req.Sitekey, req.SessionID)
	if err != nil {
		s.writeError(ctx, w, common.ErrNoSession, "")
		return
	}
	ctx = context.WithValue(ctx, common.SessionIDContextKey, sess.ID)

	requestKey, err := cryptoengine.DeriveChild(sess.Key, []byte(sess.ID), cryptoengine.DirectionEncrypt, 32)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to derive request key", common.ErrAttr(err))
		s.writeError(ctx, w, common.ErrCryptoError, "")
		return
	}

	var inner challengeInnerRequest
	if req.Data != "" {
		plaintext, _, err := openEnvelope(envelope{Protocol: req.Protocol, Data: req.Data}, requestKey, []byte(sess.ID))
		if err != nil {
			s.writeError(ctx, w, common.ErrDecryptFailed, "")
			return
		}
		if len(plaintext) > 0 {
			if err := json.Unmarshal(plaintext, &inner); err != nil {
				s.writeError(ctx, w, common.ErrMalformedRequest, "")
				return
			}
		}
	}

	var fingerprintData []byte
	if inner.Fingerprint != "" {
		fingerprintData, _ = hex.DecodeString(inner.Fingerprint)
	}

	result, err := s.Verify.IssueChallenge(ctx, verify.IssueRequest{
		Sitekey:         req.Sitekey,
		RequestedType:   inner.RequestedType,
		Origin:          originOf(r),
		ClientIP:        clientIPFromContext(r),
		FingerprintData: fingerprintData,
	})
	if err != nil {
		s.writeIssueError(ctx, w, err)
		return
	}

	s.Metrics.ObserveChallengeIssued(req.Sitekey)

	var inner2 challengeInnerResponse
	if result.Bypassed {
		inner2 = challengeInnerResponse{Skipped: true, VerificationToken: result.VerificationToken}
	} else {
		c := result.Challenge
		inner2 = challengeInnerResponse{
			ChallengeToken: result.ChallengeToken,
			Type:           c.Variant,
			PowParams: &powParamsWire{
				Salt:       saltHex(c),
				TargetHash: targetHashHex(c),
				MaxNumber:  c.PoW.MaxNumber,
			},
		}

		puzzleData, err := puzzlePayload(c)
		if err != nil {
			s.writeError(ctx, w, common.ErrInternalError, "")
			return
		}
		inner2.PuzzleData = puzzleData
	}

	plaintext, err := json.Marshal(inner2)
	if err != nil {
		s.writeError(ctx, w, common.ErrInternalError, "")
		return
	}

	env, err := sealEnvelope(requestKey, plaintext, []byte(sess.ID))
	if err != nil {
		s.writeError(ctx, w, common.ErrCryptoError, "")
		return
	}

	writeJSON(ctx, w, http.StatusOK, challengeResponseWire{Protocol: env.Protocol, Data: env.Data})
}

func (s *Server) writeIssueError(ctx context.Context, w http.ResponseWriter, err error) {
	var policyErr *verify.PolicyRejectedError
	switch {
	case errors.As(err, &policyErr):
		s.writeError(ctx, w, verify.PolicyErrorCode(policyErr.Decision.Stage), policyErr.Decision.Reason)
	case errors.Is(err, verify.ErrSitekeyDisabled), errors.Is(err, sitekey.ErrNotFound):
		s.writeError(ctx, w, common.ErrUnknownSitekey, "")
	case errors.Is(err, session.ErrSessionMissing):
		s.writeError(ctx, w, common.ErrNoSession, "")
	default:
		slog.ErrorContext(ctx, "Challenge issuance failed", common.ErrAttr(err))
		s.writeError(ctx, w, common.ErrInternalError, "")
	}
}

func saltHex(c *challenge.Challenge) string {
	return hex.EncodeToString(c.PoW.Salt[:])
}

func targetHashHex(c *challenge.Challenge) string {
	return hex.EncodeToString(c.PoW.TargetHash[:])
}

// puzzlePayload marshals whichever variant-specific payload field is
// populated on c. Each payload type tags its server-only answer material
// (GesturePayload.TargetX/TargetY, and the per-scene animal mapping audio
// builds but never stores on AudioScene) so it never reaches the wire.
func puzzlePayload(c *challenge.Challenge) (json.RawMessage, error) {
	switch c.Variant {
	case sitekey.PuzzleGrid:
		return json.Marshal(c.Grid)
	case sitekey.PuzzleJigsaw:
		return json.Marshal(c.Jigsaw)
	case sitekey.PuzzleGesture:
		return json.Marshal(c.Gesture)
	case sitekey.PuzzleUpsideDown:
		return json.Marshal(c.UpsideDown)
	case sitekey.PuzzleAudio:
		return json.Marshal(c.Audio)
	default:
		return nil, fmt.Errorf("api: unknown puzzle variant %q", c.Variant)
	}
}
