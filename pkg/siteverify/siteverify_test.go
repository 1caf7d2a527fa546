package siteverify_test

import (
	"context"
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/siteverify"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/token"
	"github.com/captchaforge/gatekeeper/pkg/verify"
	"github.com/stretchr/testify/require"
)

type fakeSitekeyStore struct{ sk *sitekey.Sitekey }

func (f *fakeSitekeyStore) Create(ctx context.Context, domain string, p sitekey.Policy) (*sitekey.Sitekey, string, error) {
	return f.sk, "secret", nil
}
func (f *fakeSitekeyStore) GetByPublicKey(ctx context.Context, publicKey string) (*sitekey.Sitekey, error) {
	return f.sk, nil
}
func (f *fakeSitekeyStore) GetBySecretHash(ctx context.Context, secretHash string) (*sitekey.Sitekey, error) {
	if secretHash != sitekey.HashSecret("correct-secret") {
		return nil, sitekey.ErrNotFound
	}
	return f.sk, nil
}
func (f *fakeSitekeyStore) UpdatePolicy(ctx context.Context, publicKey string, p sitekey.Policy) error {
	return nil
}

func newService(t *testing.T) (*siteverify.Service, *token.Store[*verify.VerificationRecord]) {
	t.Helper()
	sk := &sitekey.Sitekey{PublicKey: "sk-test", Policy: sitekey.DefaultPolicy()}
	verifications := token.NewStore[*verify.VerificationRecord](token.KindVerification, 100)
	return &siteverify.Service{
		Sitekeys:      &fakeSitekeyStore{sk: sk},
		Verifications: verifications,
		TokenKey:      []byte("token-key"),
	}, verifications
}

func TestVerifySucceedsForFreshToken(t *testing.T) {
	svc, verifications := newService(t)

	tok, err := verifications.Issue([]byte("token-key"), &verify.VerificationRecord{
		Sitekey:  "sk-test",
		Risk:     risk.Score{Value: 12, Band: risk.BandLow},
		IssuedAt: time.Now(),
	}, time.Minute)
	require.NoError(t, err)

	resp, err := svc.Verify(context.Background(), "correct-secret", tok)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "sk-test", resp.Sitekey)
	require.Equal(t, risk.BandLow, resp.RiskBand)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	svc, verifications := newService(t)

	tok, err := verifications.Issue([]byte("token-key"), &verify.VerificationRecord{Sitekey: "sk-test"}, time.Minute)
	require.NoError(t, err)

	resp, err := svc.Verify(context.Background(), "wrong-secret", tok)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Contains(t, resp.ErrorCodes, "invalid-secret")
}

func TestVerifyRejectsReplayedToken(t *testing.T) {
	svc, verifications := newService(t)

	tok, err := verifications.Issue([]byte("token-key"), &verify.VerificationRecord{Sitekey: "sk-test"}, time.Minute)
	require.NoError(t, err)

	first, err := svc.Verify(context.Background(), "correct-secret", tok)
	require.NoError(t, err)
	require.True(t, first.Success)

	second, err := svc.Verify(context.Background(), "correct-secret", tok)
	require.NoError(t, err)
	require.False(t, second.Success)
	require.Contains(t, second.ErrorCodes, "invalid-or-already-used-token")
}
