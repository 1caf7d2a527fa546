// Package siteverify implements C10: the server-to-server endpoint a
// site's backend calls with its secret key and the verification token its
// frontend collected, redeeming that token exactly once.
package siteverify

import (
	"context"

	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/token"
	"github.com/captchaforge/gatekeeper/pkg/verify"
)

// Response mirrors the widely-copied hCaptcha/reCAPTCHA siteverify response
// shape: success plus the risk score and error codes a backend can branch
// on, instead of inventing a bespoke wire format for this one endpoint.
type Response struct {
	Success    bool     `json:"success"`
	Sitekey    string   `json:"sitekey,omitempty"`
	RiskScore  float64  `json:"risk_score,omitempty"`
	RiskBand   risk.Band `json:"risk_band,omitempty"`
	Timestamp  int64    `json:"timestamp,omitempty"`
	ErrorCodes []string `json:"error_codes,omitempty"`
}

// Service implements the C10 redemption algorithm.
type Service struct {
	Sitekeys      sitekey.Store
	Verifications *token.Store[*verify.VerificationRecord]
	TokenKey      []byte
}

// Verify authenticates secret against a sitekey's stored secret hash, then
// consumes verificationToken. A consumed token can never be redeemed again,
// closing the confused-deputy path where a compromised frontend token leaks
// into more than one backend check.
func (s *Service) Verify(ctx context.Context, secret, verificationToken string) (*Response, error) {
	sk, err := s.Sitekeys.GetBySecretHash(ctx, sitekey.HashSecret(secret))
	if err != nil {
		return &Response{Success: false, ErrorCodes: []string{"invalid-secret"}}, nil
	}

	rec, err := s.Verifications.Consume(s.TokenKey, verificationToken)
	if err != nil {
		return &Response{Success: false, ErrorCodes: []string{"invalid-or-already-used-token"}}, nil
	}

	if rec.Sitekey != sk.PublicKey {
		return &Response{Success: false, ErrorCodes: []string{"sitekey-mismatch"}}, nil
	}

	return &Response{
		Success:   true,
		Sitekey:   sk.PublicKey,
		RiskScore: rec.Risk.Value,
		RiskBand:  rec.Risk.Band,
		Timestamp: rec.IssuedAt.Unix(),
	}, nil
}
