// Package verify implements the C8 verification orchestrator: it wires the
// C6 policy pipeline, the C4 challenge factory, the C2 proof-of-work check,
// and the C7 risk ensemble into one request/response cycle, and issues the
// C5 verification token a widget's host page eventually redeems through
// siteverify.
package verify

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/challenge"
	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/policy"
	"github.com/captchaforge/gatekeeper/pkg/pow"
	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/token"
)

var (
	ErrSitekeyDisabled = errors.New("verify: sitekey is disabled")
	ErrPolicyRejected  = errors.New("verify: rejected by policy filter")
)

// highRiskPlaintextPenalty is added to a verification attempt's risk score
// when the widget fell back to the unencrypted wire protocol (no Web Crypto
// available). It never lowers a score, only raises it, and is applied after
// the weighted ensemble sum so it stacks the same way regardless of which
// features were already high.
const highRiskPlaintextPenalty = 15.0

// PolicyRejectedError carries the C6 Decision that rejected a challenge
// issuance, so callers above this package (the HTTP layer) can map the
// rejection to a specific wire error code instead of a generic one. It
// still satisfies errors.Is(err, ErrPolicyRejected) for callers that only
// care that policy rejected the request.
type PolicyRejectedError struct {
	Decision policy.Decision
}

func (e *PolicyRejectedError) Error() string {
	return "verify: rejected by policy filter: " + string(e.Decision.Stage)
}

func (e *PolicyRejectedError) Is(target error) bool {
	return target == ErrPolicyRejected
}

// PolicyErrorCode maps a C6 rejection stage to the wire error code the HTTP
// layer reports, so a sitekey's widget can distinguish "blocked by country"
// from "rate limited" instead of seeing one generic rejection.
func PolicyErrorCode(stage policy.Stage) common.ErrorCode {
	switch stage {
	case policy.StageOrigin:
		return common.ErrOriginMismatch
	case policy.StageBlockedIP:
		return common.ErrIPBlocked
	case policy.StageCountry:
		return common.ErrCountryBlocked
	case policy.StageAntiVPN:
		return common.ErrVPNDetected
	case policy.StageRateLimit:
		return common.ErrRateLimited
	case policy.StageLockout:
		return common.ErrIPLocked
	default:
		return common.ErrInternalError
	}
}

// ChallengeRecord is what a challenge token resolves to: the full
// server-side challenge state needed to check a submitted solution.
type ChallengeRecord struct {
	Challenge *challenge.Challenge
}

// VerificationRecord is what a verification token resolves to: the outcome
// of a passed challenge, redeemable exactly once through siteverify.
type VerificationRecord struct {
	Sitekey  string
	Risk     risk.Score
	IssuedAt time.Time
}

// IssueRequest asks for a fresh challenge for a sitekey. FingerprintData, if
// present, is checked against the trusted-fingerprint bypass
// (sitekey.Policy.AllowSkipForTrustedFingerprints) before any puzzle is
// built.
type IssueRequest struct {
	Sitekey         string
	RequestedType   sitekey.PuzzleType
	Origin          string
	ClientIP        netip.Addr
	FingerprintData []byte
}

// IssueResult is the token+content pair a widget renders. When Bypassed is
// true, the fingerprint was already trusted: Challenge is nil and
// VerificationToken is a ready-to-redeem token, so the widget never shows a
// puzzle at all.
type IssueResult struct {
	ChallengeToken    string
	Challenge         *challenge.Challenge
	Bypassed          bool
	VerificationToken string
}

// Telemetry carries the widget-reported and server-observed signals the
// C7 ensemble scores a verification attempt against.
type Telemetry struct {
	SolveTime                 time.Duration
	BehavioralNaturalness     float64 // 0 (scripted) .. 1 (organic)
	DistinctIPsForFingerprint int
	IsVPN                     bool
	CountrySeenBefore         bool
	// PlaintextFallback is true when the widget couldn't use Web Crypto and
	// fell back to the unencrypted wire protocol for this attempt.
	PlaintextFallback bool
}

// Request asks the orchestrator to check a solved challenge.
type Request struct {
	Sitekey        string
	ClientIP       netip.Addr
	Origin         string
	ChallengeToken string
	Answer         string
	PoWSolution    uint64
	Telemetry      Telemetry
	// FingerprintData is the widget's raw behavioral fingerprint blob
	// (gesture/audio-derived bytes). When present it supersedes
	// Telemetry.DistinctIPsForFingerprint with a server-tracked count keyed
	// off the hashed fingerprint, since a client can self-report any value
	// it likes but can't fake how many distinct IPs the server itself saw
	// attached to the same hash.
	FingerprintData []byte
}

// Result is the outcome of one verification attempt.
type Result struct {
	Success           bool
	VerificationToken string
	Risk              risk.Score
	FailureReason     string
	PolicyStage       policy.Stage
	// Code is the wire error code the HTTP layer should report for a failed
	// attempt. It is the zero value (common.ErrNone) on success.
	Code common.ErrorCode
}

// Orchestrator implements C8 end to end.
type Orchestrator struct {
	Sitekeys      sitekey.Store
	Filter        *policy.Filter
	Factory       *challenge.Factory
	Challenges    *token.Store[*ChallengeRecord]
	Verifications *token.Store[*VerificationRecord]

	TokenKey        []byte
	PowKey          []byte
	ChallengeTTL    time.Duration
	VerificationTTL time.Duration

	// FingerprintSalt keys the blake2b hash Request.FingerprintData is
	// reduced through before it ever reaches the fingerprint tracker, so raw
	// client bytes never double as the map key directly.
	FingerprintSalt []byte
}

// IssueChallenge runs the policy pipeline and, if it passes, generates a
// fresh challenge and stores it behind a one-time challenge token.
func (o *Orchestrator) IssueChallenge(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	sk, err := o.Sitekeys.GetByPublicKey(ctx, req.Sitekey)
	if err != nil {
		return nil, err
	}
	if sk.Disabled {
		return nil, ErrSitekeyDisabled
	}

	if err := risk.ValidateWeights(sk.Policy.RiskWeights); err != nil {
		slog.ErrorContext(ctx, "Sitekey risk weights fail the sum invariant, refusing to issue a challenge", "sitekey", sk.PublicKey, common.ErrAttr(err))
		return nil, err
	}

	decision := o.Filter.Evaluate(ctx, sk.PublicKey, sk.Policy, req.Origin, req.ClientIP)
	if !decision.Allowed {
		slog.InfoContext(ctx, "Challenge issuance rejected by policy", "stage", decision.Stage, "reason", decision.Reason)
		return nil, &PolicyRejectedError{Decision: decision}
	}

	if bypass, err := o.tryTrustedBypass(ctx, sk, req); err != nil {
		return nil, err
	} else if bypass != nil {
		return bypass, nil
	}

	c, err := o.Factory.Make(sk.PublicKey, req.RequestedType, sk.Policy, risk.BandLow)
	if err != nil {
		return nil, err
	}

	tok, err := o.Challenges.Issue(o.TokenKey, &ChallengeRecord{Challenge: c}, o.ChallengeTTL)
	if err != nil {
		return nil, err
	}

	return &IssueResult{ChallengeToken: tok, Challenge: c}, nil
}

// tryTrustedBypass implements the allowSkipForTrustedFingerprints open
// question: a fingerprint that has earned trust (policy.Filter.Trusted)
// skips puzzle display entirely and receives a pre-solved verification
// token, still subject to the C6 policy pass already run by the caller and
// a fresh C7 risk score computed from the fingerprint's own history. It
// returns (nil, nil) when the bypass does not apply, so the caller falls
// through to ordinary challenge issuance.
func (o *Orchestrator) tryTrustedBypass(ctx context.Context, sk *sitekey.Sitekey, req IssueRequest) (*IssueResult, error) {
	p := sk.Policy
	if !p.AllowSkipForTrustedFingerprints || p.TrustedFingerprintMinSuccesses <= 0 || len(req.FingerprintData) == 0 {
		return nil, nil
	}

	fp := common.HashFingerprint(o.FingerprintSalt, req.FingerprintData)
	if !o.Filter.Trusted(sk.PublicKey, fp) {
		return nil, nil
	}

	score := risk.Evaluate(risk.Features{
		Fingerprint: risk.ScoreFingerprint(o.Filter.ObserveFingerprint(sk.PublicKey, fp, req.ClientIP)),
	}, p.RiskWeights, p.RiskThresholds, p.RiskSensitivity)

	if score.Band == risk.BandHigh || score.Band == risk.BandCritical {
		slog.InfoContext(ctx, "Trusted fingerprint bypass declined by risk score", "sitekey", sk.PublicKey, "band", score.Band)
		return nil, nil
	}

	vtoken, err := o.Verifications.Issue(o.TokenKey, &VerificationRecord{
		Sitekey:  sk.PublicKey,
		Risk:     score,
		IssuedAt: time.Now().UTC(),
	}, o.VerificationTTL)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Issued trusted-fingerprint bypass", "sitekey", sk.PublicKey)
	return &IssueResult{Bypassed: true, VerificationToken: vtoken}, nil
}

// Verify consumes a challenge token, checks the proof-of-work and the
// puzzle answer, scores risk, and on success issues a verification token.
// It never returns an error for an ordinary failed attempt: Result.Success
// is the signal callers check. Errors are reserved for infrastructure
// failures (sitekey lookup, store errors).
func (o *Orchestrator) Verify(ctx context.Context, req Request) (*Result, error) {
	sk, err := o.Sitekeys.GetByPublicKey(ctx, req.Sitekey)
	if err != nil {
		return nil, err
	}
	if sk.Disabled {
		return &Result{Success: false, FailureReason: "sitekey disabled", Code: common.ErrUnknownSitekey}, nil
	}

	decision := o.Filter.Evaluate(ctx, sk.PublicKey, sk.Policy, req.Origin, req.ClientIP)
	if !decision.Allowed {
		return &Result{Success: false, FailureReason: string(decision.Stage), PolicyStage: decision.Stage, Code: PolicyErrorCode(decision.Stage)}, nil
	}

	var fp common.TFingerprint
	if len(req.FingerprintData) > 0 {
		fp = common.HashFingerprint(o.FingerprintSalt, req.FingerprintData)
	}
	recordOutcome := func(success bool) {
		o.Filter.RecordFingerprintOutcome(sk.PublicKey, fp, success, sk.Policy.TrustedFingerprintMinSuccesses, sk.Policy.TrustedFingerprintTTL)
	}

	rec, err := o.Challenges.Consume(o.TokenKey, req.ChallengeToken)
	if err != nil {
		o.Filter.RecordFailure(sk.PublicKey, sk.Policy, req.ClientIP)
		recordOutcome(false)
		return &Result{Success: false, FailureReason: "challenge token invalid or already used", Code: common.ErrInvalidOrUsedToken}, nil
	}

	c := rec.Challenge

	if err := pow.VerifySolution(o.PowKey, c.PoW, c.PoWTag, req.PoWSolution); err != nil {
		o.Filter.RecordFailure(sk.PublicKey, sk.Policy, req.ClientIP)
		recordOutcome(false)
		return &Result{Success: false, FailureReason: "proof of work invalid", Code: common.ErrPowFailed}, nil
	}

	if !c.Check(req.Answer) {
		o.Filter.RecordFailure(sk.PublicKey, sk.Policy, req.ClientIP)
		recordOutcome(false)
		return &Result{Success: false, FailureReason: "puzzle answer incorrect", Code: common.ErrWrongAnswer}, nil
	}

	telemetry := req.Telemetry
	if fp != 0 {
		telemetry.DistinctIPsForFingerprint = o.Filter.ObserveFingerprint(sk.PublicKey, fp, req.ClientIP)
	}

	score := o.score(sk.Policy, c, telemetry)

	if score.Band == risk.BandCritical {
		o.Filter.RecordFailure(sk.PublicKey, sk.Policy, req.ClientIP)
		recordOutcome(false)
		return &Result{Success: false, Risk: score, FailureReason: "risk score too high", Code: common.ErrRiskCritical}, nil
	}

	o.Filter.RecordSuccess(sk.PublicKey, req.ClientIP)
	recordOutcome(true)

	vtoken, err := o.Verifications.Issue(o.TokenKey, &VerificationRecord{
		Sitekey:  sk.PublicKey,
		Risk:     score,
		IssuedAt: time.Now().UTC(),
	}, o.VerificationTTL)
	if err != nil {
		return nil, err
	}

	return &Result{Success: true, VerificationToken: vtoken, Risk: score}, nil
}

func (o *Orchestrator) score(p sitekey.Policy, c *challenge.Challenge, t Telemetry) risk.Score {
	expected := expectedSolveTime(p.PowDifficulty)

	features := risk.Features{
		Automation:  risk.ScoreAutomation(t.SolveTime, expected),
		Behavioral:  risk.ScoreBehavioral(t.BehavioralNaturalness),
		Fingerprint: risk.ScoreFingerprint(t.DistinctIPsForFingerprint),
		Reputation:  risk.ScoreReputation(t.IsVPN, 0),
		Anomaly:     risk.ScoreAnomaly(t.CountrySeenBefore),
		Temporal:    0,
	}

	score := risk.Evaluate(features, p.RiskWeights, p.RiskThresholds, p.RiskSensitivity)
	if t.PlaintextFallback {
		score = risk.Rebanded(score.Value+highRiskPlaintextPenalty, p.RiskThresholds, score.Features)
	}

	return score
}

// expectedSolveTime is a rough, monotonic estimate of how long a genuine
// client takes to brute-force a proof-of-work at this difficulty, used only
// as the denominator for the automation feature's too-fast-to-be-human check.
func expectedSolveTime(difficulty uint8) time.Duration {
	maxNumber := float64(1000)
	if difficulty > pow.MinDifficulty {
		span := float64(difficulty-pow.MinDifficulty) / float64(pow.MaxDifficulty-pow.MinDifficulty)
		maxNumber = 1000 * pow10(span*3)
	}
	// Assume a genuine client evaluates on the order of 5e4 candidates/sec;
	// expected attempts to find a match is half the search space.
	seconds := (maxNumber / 2) / 5e4
	if seconds < 0.05 {
		seconds = 0.05
	}
	return time.Duration(seconds * float64(time.Second))
}

func pow10(exp float64) float64 {
	result := 1.0
	base := 10.0
	// exp in [0,3]; simple repeated-squaring-free loop is fine at this scale.
	whole := int(exp)
	frac := exp - float64(whole)
	for i := 0; i < whole; i++ {
		result *= base
	}
	if frac > 0 {
		// linear interpolation in log space is close enough for an estimate
		// used only to pick a risk-scoring denominator, not to verify PoW.
		result *= 1 + frac*(base-1)/3
	}
	return result
}
