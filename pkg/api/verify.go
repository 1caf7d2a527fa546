package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/cryptoengine"
	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/token"
	"github.com/captchaforge/gatekeeper/pkg/verify"
)

// verifyRequestWire is the /verify body. Unlike /challenge, the two
// sensitive parts (the puzzle solution and the client-reported telemetry)
// are sealed independently, each keyed off the challenge token's own id
// rather than the session key directly: k_solution = deriveChild(master,
// tokenID, "decrypt"), k_metadata = deriveChild(master, tokenID,
// "metadata"), both AAD-bound to tokenID. That keeps a leaked session key
// from being enough on its own to forge a solution for a challenge token it
// never issued, and keeps the metadata payload independently revocable
// from the answer payload.
type verifyRequestWire struct {
	Sitekey        string   `json:"sitekey"`
	SessionID      string   `json:"session_id"`
	ChallengeToken string   `json:"challenge_token"`
	Protocol       Protocol `json:"protocol"`
	SolutionData   string   `json:"solution_data"`
	MetadataData   string   `json:"metadata_data"`
}

type verifySolutionInner struct {
	Answer      string `json:"answer"`
	PowSolution uint64 `json:"powSolution"`
}

type verifyMetadataInner struct {
	BehavioralNaturalness     float64 `json:"behavioral_naturalness"`
	DistinctIPsForFingerprint int     `json:"distinct_ips_for_fingerprint"`
	IsVPN                     bool    `json:"is_vpn"`
	CountrySeenBefore         bool    `json:"country_seen_before"`
	// FingerprintData is a base64-encoded blob of gesture/audio-derived
	// bytes the widget collected during the challenge. When present, the
	// orchestrator hashes it server-side and tracks distinct IPs itself
	// instead of trusting DistinctIPsForFingerprint as self-reported.
	FingerprintData string `json:"fingerprint_data"`
}

type verifyResponseInner struct {
	VerificationToken string    `json:"verification_token"`
	RiskBand          risk.Band `json:"risk_band"`
}

type verifyResponseWire struct {
	Protocol Protocol `json:"protocol"`
	Data     string   `json:"data"`
}

// verifyHandler runs C8's Verify step: it authenticates and opens the
// solution and metadata payloads against the challenge token's own derived
// keys, then hands the decoded answer, PoW solution, and telemetry to the
// orchestrator.
func (s *Server) verifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req verifyRequestWire
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.Sitekey == "" || req.SessionID == "" || req.ChallengeToken == "" {
		s.writeError(ctx, w, common.ErrMalformedRequest, "")
		return
	}

	sess, err := s.Sessions.Lookup(ctx, req.Sitekey, req.SessionID)
	if err != nil {
		s.writeError(ctx, w, common.ErrNoSession, "")
		return
	}
	ctx = context.WithValue(ctx, common.SessionIDContextKey, sess.ID)

	tokenID, err := token.Parse(s.TokenKey, token.KindChallenge, req.ChallengeToken)
	if err != nil {
		s.writeError(ctx, w, common.ErrInvalidOrUsedToken, "")
		return
	}

	solutionKey, err := cryptoengine.DeriveChild(sess.Key, []byte(tokenID), cryptoengine.DirectionDecrypt, 32)
	if err != nil {
		s.writeError(ctx, w, common.ErrCryptoError, "")
		return
	}
	metadataKey, err := cryptoengine.DeriveChild(sess.Key, []byte(tokenID), cryptoengine.DirectionMetadata, 32)
	if err != nil {
		s.writeError(ctx, w, common.ErrCryptoError, "")
		return
	}

	solutionPlain, solutionPlaintextProto, err := openEnvelope(
		envelope{Protocol: req.Protocol, Data: req.SolutionData}, solutionKey, []byte(tokenID))
	if err != nil {
		s.writeError(ctx, w, common.ErrDecryptFailed, "")
		return
	}

	var metadataPlain []byte
	var metadataPlaintextProto bool
	if req.MetadataData != "" {
		metadataPlain, metadataPlaintextProto, err = openEnvelope(
			envelope{Protocol: req.Protocol, Data: req.MetadataData}, metadataKey, []byte(tokenID))
		if err != nil {
			s.writeError(ctx, w, common.ErrDecryptFailed, "")
			return
		}
	}

	var solution verifySolutionInner
	if err := json.Unmarshal(solutionPlain, &solution); err != nil {
		s.writeError(ctx, w, common.ErrMalformedRequest, "")
		return
	}

	var meta verifyMetadataInner
	if len(metadataPlain) > 0 {
		_ = json.Unmarshal(metadataPlain, &meta)
	}

	solveTime := s.solveTimeFor(req.ChallengeToken)

	var fingerprintData []byte
	if meta.FingerprintData != "" {
		fingerprintData, _ = base64.StdEncoding.DecodeString(meta.FingerprintData)
	}

	result, err := s.Verify.Verify(ctx, verify.Request{
		Sitekey:         req.Sitekey,
		ClientIP:        clientIPFromContext(r),
		Origin:          originOf(r),
		ChallengeToken:  req.ChallengeToken,
		Answer:          solution.Answer,
		PoWSolution:     solution.PowSolution,
		FingerprintData: fingerprintData,
		Telemetry: verify.Telemetry{
			SolveTime:                 solveTime,
			BehavioralNaturalness:     meta.BehavioralNaturalness,
			DistinctIPsForFingerprint: meta.DistinctIPsForFingerprint,
			IsVPN:                     meta.IsVPN,
			CountrySeenBefore:         meta.CountrySeenBefore,
			PlaintextFallback:         solutionPlaintextProto || metadataPlaintextProto,
		},
	})
	if err != nil {
		s.writeVerifyInfraError(ctx, w, err)
		return
	}

	s.Metrics.ObserveVerifyAttempt(req.Sitekey, result.Code)
	if result.Risk.Band != "" {
		s.Metrics.ObserveRiskBand(req.Sitekey, string(result.Risk.Band))
	}

	if !result.Success {
		s.writeError(ctx, w, result.Code, result.FailureReason)
		return
	}

	respPlain, err := json.Marshal(verifyResponseInner{
		VerificationToken: result.VerificationToken,
		RiskBand:          result.Risk.Band,
	})
	if err != nil {
		s.writeError(ctx, w, common.ErrInternalError, "")
		return
	}

	env, err := sealEnvelope(solutionKey, respPlain, []byte(tokenID))
	if err != nil {
		s.writeError(ctx, w, common.ErrCryptoError, "")
		return
	}

	writeJSON(ctx, w, http.StatusOK, verifyResponseWire{Protocol: env.Protocol, Data: env.Data})
}

// solveTimeFor peeks the still-unconsumed challenge record to measure how
// long it has been outstanding, without affecting the Consume call Verify
// makes right after. A peek failure (token already gone, bad signature)
// just yields a zero solve time; Verify's own Consume call is what actually
// rejects an invalid token.
func (s *Server) solveTimeFor(challengeToken string) time.Duration {
	rec, err := s.Verify.Challenges.Peek(s.TokenKey, challengeToken)
	if err != nil || rec == nil || rec.Challenge == nil {
		return 0
	}
	return time.Since(rec.Challenge.IssuedAt)
}

func (s *Server) writeVerifyInfraError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sitekey.ErrNotFound):
		s.writeError(ctx, w, common.ErrUnknownSitekey, "")
	case errors.Is(err, session.ErrSessionMissing):
		s.writeError(ctx, w, common.ErrNoSession, "")
	default:
		slog.ErrorContext(ctx, "Verify failed", common.ErrAttr(err))
		s.writeError(ctx, w, common.ErrInternalError, "")
	}
}
