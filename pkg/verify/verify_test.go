package verify_test

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/challenge"
	"github.com/captchaforge/gatekeeper/pkg/policy"
	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/token"
	"github.com/captchaforge/gatekeeper/pkg/verify"
	"github.com/stretchr/testify/require"
)

// upsideDownAnswer recomputes the correct answer from the challenge's
// visible sprite rotations, the same way a widget would.
func upsideDownAnswer(c *challenge.Challenge) string {
	var ids []string
	for _, s := range c.UpsideDown.Sprites {
		if s.Rotation != 0 {
			ids = append(ids, fmt.Sprintf("%d", s.ID))
		}
	}
	return strings.Join(ids, ",")
}

type fakeSitekeyStore struct {
	sk *sitekey.Sitekey
}

func (f *fakeSitekeyStore) Create(ctx context.Context, domain string, p sitekey.Policy) (*sitekey.Sitekey, string, error) {
	return f.sk, "secret", nil
}
func (f *fakeSitekeyStore) GetByPublicKey(ctx context.Context, publicKey string) (*sitekey.Sitekey, error) {
	return f.sk, nil
}
func (f *fakeSitekeyStore) GetBySecretHash(ctx context.Context, secretHash string) (*sitekey.Sitekey, error) {
	return f.sk, nil
}
func (f *fakeSitekeyStore) UpdatePolicy(ctx context.Context, publicKey string, p sitekey.Policy) error {
	f.sk.Policy = p
	return nil
}

func newOrchestrator(p sitekey.Policy) *verify.Orchestrator {
	sk := &sitekey.Sitekey{PublicKey: "sk-test", Policy: p}
	return &verify.Orchestrator{
		Sitekeys:        &fakeSitekeyStore{sk: sk},
		Filter:          policy.New(64),
		Factory:         challenge.New(challenge.SelectRandom, []byte("pow-key"), time.Minute),
		Challenges:      token.NewStore[*verify.ChallengeRecord](token.KindChallenge, 1000),
		Verifications:   token.NewStore[*verify.VerificationRecord](token.KindVerification, 1000),
		TokenKey:        []byte("token-key"),
		PowKey:          []byte("pow-key"),
		ChallengeTTL:    time.Minute,
		VerificationTTL: time.Minute,
	}
}

func defaultTestPolicy() sitekey.Policy {
	p := sitekey.DefaultPolicy()
	p.EnabledTypes = []sitekey.PuzzleType{sitekey.PuzzleUpsideDown}
	p.PowDifficulty = 1
	p.IPRateLimitPerMinute = 0
	return p
}

func TestIssueAndVerifySucceeds(t *testing.T) {
	o := newOrchestrator(defaultTestPolicy())
	ctx := context.Background()
	ip := netip.MustParseAddr("1.2.3.4")

	issued, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip})
	require.NoError(t, err)
	require.NotEmpty(t, issued.ChallengeToken)

	n, ok := issued.Challenge.PoW.Solve()
	require.True(t, ok)

	result, err := o.Verify(ctx, verify.Request{
		Sitekey:        "sk-test",
		ClientIP:       ip,
		ChallengeToken: issued.ChallengeToken,
		Answer:         upsideDownAnswer(issued.Challenge),
		PoWSolution:    n,
	})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.VerificationToken)
}

func TestVerifyRejectsWrongAnswer(t *testing.T) {
	o := newOrchestrator(defaultTestPolicy())
	ctx := context.Background()
	ip := netip.MustParseAddr("1.2.3.4")

	issued, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip})
	require.NoError(t, err)

	n, ok := issued.Challenge.PoW.Solve()
	require.True(t, ok)

	result, err := o.Verify(ctx, verify.Request{
		Sitekey:        "sk-test",
		ClientIP:       ip,
		ChallengeToken: issued.ChallengeToken,
		Answer:         "wrong-answer",
		PoWSolution:    n,
	})
	require.NoError(t, err)
	require.False(t, result.Success)
}

func TestVerifyRejectsReplayedChallengeToken(t *testing.T) {
	o := newOrchestrator(defaultTestPolicy())
	ctx := context.Background()
	ip := netip.MustParseAddr("1.2.3.4")

	issued, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip})
	require.NoError(t, err)

	n, ok := issued.Challenge.PoW.Solve()
	require.True(t, ok)

	req := verify.Request{Sitekey: "sk-test", ClientIP: ip, ChallengeToken: issued.ChallengeToken, Answer: upsideDownAnswer(issued.Challenge), PoWSolution: n}

	first, err := o.Verify(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := o.Verify(ctx, req)
	require.NoError(t, err)
	require.False(t, second.Success)
}

func TestIssueChallengeRejectsDisabledSitekey(t *testing.T) {
	o := newOrchestrator(defaultTestPolicy())
	o.Sitekeys.(*fakeSitekeyStore).sk.Disabled = true

	ctx := context.Background()
	ip := netip.MustParseAddr("1.2.3.4")

	_, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip})
	require.ErrorIs(t, err, verify.ErrSitekeyDisabled)
}

func TestVerifyFingerprintDataRaisesRiskAcrossDistinctIPs(t *testing.T) {
	p := defaultTestPolicy()
	p.RiskWeights = sitekey.RiskWeights{Fingerprint: 1}
	o := newOrchestrator(p)
	o.FingerprintSalt = []byte("test-fingerprint-salt")
	ctx := context.Background()
	fingerprintData := []byte("same-device-gesture-trace")

	solveAndVerify := func(ip netip.Addr) *verify.Result {
		issued, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip})
		require.NoError(t, err)

		n, ok := issued.Challenge.PoW.Solve()
		require.True(t, ok)

		result, err := o.Verify(ctx, verify.Request{
			Sitekey:         "sk-test",
			ClientIP:        ip,
			ChallengeToken:  issued.ChallengeToken,
			Answer:          upsideDownAnswer(issued.Challenge),
			PoWSolution:     n,
			FingerprintData: fingerprintData,
		})
		require.NoError(t, err)
		return result
	}

	first := solveAndVerify(netip.MustParseAddr("1.1.1.1"))
	require.True(t, first.Success)
	require.Zero(t, first.Risk.Features.Fingerprint)

	second := solveAndVerify(netip.MustParseAddr("2.2.2.2"))
	require.True(t, second.Success)
	require.Greater(t, second.Risk.Features.Fingerprint, first.Risk.Features.Fingerprint)
}

func TestIssueChallengeSkipsPuzzleForTrustedFingerprint(t *testing.T) {
	p := defaultTestPolicy()
	p.AllowSkipForTrustedFingerprints = true
	p.TrustedFingerprintMinSuccesses = 2
	p.TrustedFingerprintTTL = time.Hour
	o := newOrchestrator(p)
	o.FingerprintSalt = []byte("test-fingerprint-salt")
	ctx := context.Background()
	ip := netip.MustParseAddr("1.1.1.1")
	fingerprintData := []byte("trusted-device-trace")

	solveAndVerify := func() *verify.Result {
		issued, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip, FingerprintData: fingerprintData})
		require.NoError(t, err)
		require.False(t, issued.Bypassed)

		n, ok := issued.Challenge.PoW.Solve()
		require.True(t, ok)

		result, err := o.Verify(ctx, verify.Request{
			Sitekey:         "sk-test",
			ClientIP:        ip,
			ChallengeToken:  issued.ChallengeToken,
			Answer:          upsideDownAnswer(issued.Challenge),
			PoWSolution:     n,
			FingerprintData: fingerprintData,
		})
		require.NoError(t, err)
		require.True(t, result.Success)
		return result
	}

	// Two genuine solves earn the fingerprint enough successes to cross
	// TrustedFingerprintMinSuccesses.
	solveAndVerify()
	solveAndVerify()

	bypassed, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip, FingerprintData: fingerprintData})
	require.NoError(t, err)
	require.True(t, bypassed.Bypassed)
	require.Nil(t, bypassed.Challenge)
	require.NotEmpty(t, bypassed.VerificationToken)

	rec, err := o.Verifications.Consume(o.TokenKey, bypassed.VerificationToken)
	require.NoError(t, err)
	require.Equal(t, "sk-test", rec.Sitekey)
}

func TestIssueChallengeDoesNotBypassWithoutTrust(t *testing.T) {
	p := defaultTestPolicy()
	p.AllowSkipForTrustedFingerprints = true
	p.TrustedFingerprintMinSuccesses = 2
	o := newOrchestrator(p)
	o.FingerprintSalt = []byte("test-fingerprint-salt")
	ctx := context.Background()
	ip := netip.MustParseAddr("1.1.1.1")

	issued, err := o.IssueChallenge(ctx, verify.IssueRequest{
		Sitekey:         "sk-test",
		ClientIP:        ip,
		FingerprintData: []byte("never-seen-before"),
	})
	require.NoError(t, err)
	require.False(t, issued.Bypassed)
	require.NotNil(t, issued.Challenge)
}

func TestIssueChallengeRejectsSitekeyWithInvalidRiskWeights(t *testing.T) {
	p := defaultTestPolicy()
	p.RiskWeights.Automation = 0.9 // sum now far exceeds 1+tolerance
	o := newOrchestrator(p)
	ctx := context.Background()
	ip := netip.MustParseAddr("1.2.3.4")

	_, err := o.IssueChallenge(ctx, verify.IssueRequest{Sitekey: "sk-test", ClientIP: ip})
	require.ErrorIs(t, err, risk.ErrWeightsOutOfTolerance)
}
