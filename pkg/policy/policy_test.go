package policy_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/policy"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/stretchr/testify/require"
)

type stubCountry struct{ byIP map[string]string }

func (s stubCountry) Country(ip netip.Addr) (string, error) {
	return s.byIP[ip.String()], nil
}

type stubVPN struct{ vpnIPs map[string]bool }

func (s stubVPN) IsVPN(ip netip.Addr) bool { return s.vpnIPs[ip.String()] }

func TestEvaluateAllowsWhenEverythingClean(t *testing.T) {
	f := policy.New(64)
	p := sitekey.DefaultPolicy()
	p.AllowedOrigins = []string{"example.com"}

	d := f.Evaluate(context.Background(), "sk1", p, "https://example.com", netip.MustParseAddr("1.2.3.4"))
	require.True(t, d.Allowed)
}

func TestEvaluateRejectsDisallowedOrigin(t *testing.T) {
	f := policy.New(64)
	p := sitekey.DefaultPolicy()
	p.AllowedOrigins = []string{"example.com"}

	d := f.Evaluate(context.Background(), "sk1", p, "https://evil.example.org", netip.MustParseAddr("1.2.3.4"))
	require.False(t, d.Allowed)
	require.Equal(t, policy.StageOrigin, d.Stage)
}

func TestEvaluateAllowsSubdomainWhenConfigured(t *testing.T) {
	f := policy.New(64)
	p := sitekey.DefaultPolicy()
	p.AllowedOrigins = []string{"example.com"}
	p.AllowSubdomains = true

	d := f.Evaluate(context.Background(), "sk1", p, "https://widget.example.com", netip.MustParseAddr("1.2.3.4"))
	require.True(t, d.Allowed)
}

func TestEvaluateRejectsBlockedIPRange(t *testing.T) {
	f := policy.New(64)
	p := sitekey.DefaultPolicy()
	p.BlockedIPs = []string{"10.0.0.0/8"}

	d := f.Evaluate(context.Background(), "sk1", p, "", netip.MustParseAddr("10.1.2.3"))
	require.False(t, d.Allowed)
	require.Equal(t, policy.StageBlockedIP, d.Stage)
}

func TestEvaluateRejectsBlockedCountry(t *testing.T) {
	f := policy.New(64)
	f.Country = stubCountry{byIP: map[string]string{"5.6.7.8": "RU"}}

	p := sitekey.DefaultPolicy()
	p.BlockedCountries = []string{"RU"}

	d := f.Evaluate(context.Background(), "sk1", p, "", netip.MustParseAddr("5.6.7.8"))
	require.False(t, d.Allowed)
	require.Equal(t, policy.StageCountry, d.Stage)
}

func TestEvaluateRejectsVPNWhenAntiVPNEnabled(t *testing.T) {
	f := policy.New(64)
	f.VPN = stubVPN{vpnIPs: map[string]bool{"9.9.9.9": true}}

	p := sitekey.DefaultPolicy()
	p.AntiVPN = true

	d := f.Evaluate(context.Background(), "sk1", p, "", netip.MustParseAddr("9.9.9.9"))
	require.False(t, d.Allowed)
	require.Equal(t, policy.StageAntiVPN, d.Stage)
}

func TestEvaluateEnforcesRateLimit(t *testing.T) {
	f := policy.New(64)
	p := sitekey.DefaultPolicy()
	p.IPRateLimitPerMinute = 2

	ip := netip.MustParseAddr("1.1.1.1")

	require.True(t, f.Evaluate(context.Background(), "sk1", p, "", ip).Allowed)
	require.True(t, f.Evaluate(context.Background(), "sk1", p, "", ip).Allowed)

	d := f.Evaluate(context.Background(), "sk1", p, "", ip)
	require.False(t, d.Allowed)
	require.Equal(t, policy.StageRateLimit, d.Stage)
}

func TestLockoutEngagesAfterRepeatedFailures(t *testing.T) {
	f := policy.New(64)
	p := sitekey.DefaultPolicy()
	p.FailureLockoutThreshold = 2
	p.FailureLockoutDuration = time.Minute
	p.IPRateLimitPerMinute = 0

	ip := netip.MustParseAddr("2.2.2.2")

	f.RecordFailure("sk1", p, ip)
	require.True(t, f.Evaluate(context.Background(), "sk1", p, "", ip).Allowed)

	f.RecordFailure("sk1", p, ip)
	d := f.Evaluate(context.Background(), "sk1", p, "", ip)
	require.False(t, d.Allowed)
	require.Equal(t, policy.StageLockout, d.Stage)
}

func TestRecordSuccessClearsLockoutState(t *testing.T) {
	f := policy.New(64)
	p := sitekey.DefaultPolicy()
	p.FailureLockoutThreshold = 1
	p.IPRateLimitPerMinute = 0

	ip := netip.MustParseAddr("3.3.3.3")

	f.RecordFailure("sk1", p, ip)
	require.False(t, f.Evaluate(context.Background(), "sk1", p, "", ip).Allowed)

	f.RecordSuccess("sk1", ip)
	require.True(t, f.Evaluate(context.Background(), "sk1", p, "", ip).Allowed)
}

func TestObserveFingerprintCountsDistinctIPs(t *testing.T) {
	f := policy.New(64)

	count := f.ObserveFingerprint("sk1", 42, netip.MustParseAddr("1.1.1.1"))
	require.Equal(t, 1, count)

	count = f.ObserveFingerprint("sk1", 42, netip.MustParseAddr("1.1.1.1"))
	require.Equal(t, 1, count, "re-observing the same ip must not inflate the count")

	count = f.ObserveFingerprint("sk1", 42, netip.MustParseAddr("2.2.2.2"))
	require.Equal(t, 2, count)
}

func TestObserveFingerprintIsolatesBySitekey(t *testing.T) {
	f := policy.New(64)

	f.ObserveFingerprint("sk1", 42, netip.MustParseAddr("1.1.1.1"))
	count := f.ObserveFingerprint("sk2", 42, netip.MustParseAddr("9.9.9.9"))
	require.Equal(t, 1, count, "same fingerprint under a different sitekey starts its own count")
}

func TestFingerprintEarnsTrustAfterMinSuccesses(t *testing.T) {
	f := policy.New(64)

	require.False(t, f.Trusted("sk1", 42))

	f.RecordFingerprintOutcome("sk1", 42, true, 2, time.Hour)
	require.False(t, f.Trusted("sk1", 42), "one success is below the configured minimum")

	f.RecordFingerprintOutcome("sk1", 42, true, 2, time.Hour)
	require.True(t, f.Trusted("sk1", 42))
}

func TestFingerprintFailureClearsTrust(t *testing.T) {
	f := policy.New(64)

	f.RecordFingerprintOutcome("sk1", 42, true, 2, time.Hour)
	f.RecordFingerprintOutcome("sk1", 42, true, 2, time.Hour)
	require.True(t, f.Trusted("sk1", 42))

	f.RecordFingerprintOutcome("sk1", 42, false, 2, time.Hour)
	require.False(t, f.Trusted("sk1", 42))
}
