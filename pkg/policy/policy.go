// Package policy implements the C6 filter pipeline: the ordered sequence of
// checks a request must pass before a challenge is ever issued or a
// verification is scored. Each stage is independent and short-circuits on
// the first rejection, mirroring the early-return chain the teacher's HTTP
// middlewares use for auth and quota checks.
package policy

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/leakybucket"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"golang.org/x/net/idna"
)

// Stage names the filter pipeline step that produced a Decision, so callers
// can log and meter rejections per stage.
type Stage string

const (
	StageOrigin       Stage = "origin_allowlist"
	StageBlockedIP    Stage = "blocked_ips"
	StageCountry      Stage = "blocked_countries"
	StageAntiVPN      Stage = "anti_vpn"
	StageRateLimit    Stage = "ip_rate_limit"
	StageLockout      Stage = "failure_lockout"
	StagePassed       Stage = ""
)

type Decision struct {
	Allowed bool
	Stage   Stage
	Reason  string
}

func allow() Decision { return Decision{Allowed: true, Stage: StagePassed} }

func deny(stage Stage, reason string) Decision {
	return Decision{Allowed: false, Stage: stage, Reason: reason}
}

// CountryLookup resolves an IP to an ISO 3166-1 alpha-2 country code. The
// production implementation wraps an oschwald/geoip2-golang reader over a
// MaxMind-format database; tests use a map-backed stub.
type CountryLookup interface {
	Country(ip netip.Addr) (string, error)
}

// VPNLookup reports whether an IP is known to belong to a VPN, proxy, or
// hosting-provider range. Kept as a narrow interface so the anti-VPN stage
// can be backed by a commercial feed without this package depending on it.
type VPNLookup interface {
	IsVPN(ip netip.Addr) bool
}

type rateLimitKey struct {
	sitekey string
	ip      netip.Addr
}

type buckets = leakybucket.Manager[rateLimitKey, leakybucket.ConstLeakyBucket[rateLimitKey], *leakybucket.ConstLeakyBucket[rateLimitKey]]

// Filter runs the ordered C6 pipeline for one request.
type Filter struct {
	Country CountryLookup
	VPN     VPNLookup

	rate *buckets

	lockoutsMu sync.Mutex
	lockouts   map[rateLimitKey]*lockoutEntry

	fingerprintsMu sync.Mutex
	fingerprints   map[fingerprintKey]*fingerprintEntry
}

type lockoutEntry struct {
	failures   int
	windowEnds time.Time
	lockedTill time.Time
}

func New(maxBuckets int) *Filter {
	return &Filter{
		rate:         leakybucket.NewManager[rateLimitKey, leakybucket.ConstLeakyBucket[rateLimitKey]](maxBuckets, 60, time.Minute),
		lockouts:     make(map[rateLimitKey]*lockoutEntry),
		fingerprints: make(map[fingerprintKey]*fingerprintEntry),
	}
}

// Evaluate runs every configured stage of p against (origin, ip) in order,
// stopping at the first stage that rejects the request.
func (f *Filter) Evaluate(ctx context.Context, sk string, p sitekey.Policy, origin string, ip netip.Addr) Decision {
	if d := f.checkOrigin(p, origin); !d.Allowed {
		return d
	}
	if d := f.checkBlockedIP(p, ip); !d.Allowed {
		return d
	}
	if d := f.checkCountry(ctx, p, ip); !d.Allowed {
		return d
	}
	if d := f.checkAntiVPN(p, ip); !d.Allowed {
		return d
	}
	if d := f.checkRateLimit(sk, p, ip); !d.Allowed {
		return d
	}
	if d := f.checkLockout(sk, ip); !d.Allowed {
		return d
	}
	return allow()
}

func (f *Filter) checkOrigin(p sitekey.Policy, origin string) Decision {
	if len(p.AllowedOrigins) == 0 {
		return allow()
	}

	host := hostOf(origin)
	if host == "" {
		return deny(StageOrigin, "origin missing or unparseable")
	}

	if p.AllowLocalhost && common.IsLocalhost(host) {
		return allow()
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		ascii = host
	}

	for _, allowed := range p.AllowedOrigins {
		allowedASCII, err := idna.Lookup.ToASCII(allowed)
		if err != nil {
			allowedASCII = allowed
		}

		if ascii == allowedASCII {
			return allow()
		}
		if p.AllowSubdomains && common.IsSubDomainOrDomain(ascii, allowedASCII) {
			return allow()
		}
	}

	return deny(StageOrigin, "origin not in allowlist")
}

func hostOf(origin string) string {
	domain, err := common.ParseDomainName(origin)
	if err != nil {
		return ""
	}
	return strings.ToLower(domain)
}

func (f *Filter) checkBlockedIP(p sitekey.Policy, ip netip.Addr) Decision {
	for _, cidr := range p.BlockedIPs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			if single, perr := netip.ParseAddr(cidr); perr == nil && single == ip {
				return deny(StageBlockedIP, "ip explicitly blocked")
			}
			continue
		}
		if prefix.Contains(ip) {
			return deny(StageBlockedIP, "ip in blocked range")
		}
	}
	return allow()
}

func (f *Filter) checkCountry(ctx context.Context, p sitekey.Policy, ip netip.Addr) Decision {
	if len(p.BlockedCountries) == 0 || f.Country == nil {
		return allow()
	}

	country, err := f.Country.Country(ip)
	if err != nil {
		slog.DebugContext(ctx, "Country lookup failed, failing open", common.ErrAttr(err))
		return allow()
	}

	for _, blocked := range p.BlockedCountries {
		if strings.EqualFold(country, blocked) {
			return deny(StageCountry, "origin country blocked")
		}
	}

	return allow()
}

func (f *Filter) checkAntiVPN(p sitekey.Policy, ip netip.Addr) Decision {
	if !p.AntiVPN || f.VPN == nil {
		return allow()
	}
	if f.VPN.IsVPN(ip) {
		return deny(StageAntiVPN, "request originates from a VPN or proxy range")
	}
	return allow()
}

func (f *Filter) checkRateLimit(sk string, p sitekey.Policy, ip netip.Addr) Decision {
	if p.IPRateLimitPerMinute <= 0 {
		return allow()
	}

	key := rateLimitKey{sitekey: sk, ip: ip}
	capacity := leakybucket.TLevel(p.IPRateLimitPerMinute)
	leakInterval := time.Minute / time.Duration(p.IPRateLimitPerMinute)

	result := f.rate.Add(key, 1, time.Now())
	f.rate.Update(key, capacity, leakInterval)

	if result.Added == 0 {
		return deny(StageRateLimit, "ip rate limit exceeded")
	}

	return allow()
}

func (f *Filter) checkLockout(sk string, ip netip.Addr) Decision {
	key := rateLimitKey{sitekey: sk, ip: ip}

	f.lockoutsMu.Lock()
	defer f.lockoutsMu.Unlock()

	entry, ok := f.lockouts[key]
	if !ok {
		return allow()
	}

	if time.Now().Before(entry.lockedTill) {
		return deny(StageLockout, "too many recent verification failures")
	}

	return allow()
}

// RecordFailure accounts a failed verification attempt for (sk, ip) and
// applies the lockout once threshold failures land inside one window.
func (f *Filter) RecordFailure(sk string, p sitekey.Policy, ip netip.Addr) {
	if p.FailureLockoutThreshold <= 0 {
		return
	}

	key := rateLimitKey{sitekey: sk, ip: ip}
	now := time.Now()

	f.lockoutsMu.Lock()
	defer f.lockoutsMu.Unlock()

	entry, ok := f.lockouts[key]
	if !ok || now.After(entry.windowEnds) {
		entry = &lockoutEntry{windowEnds: now.Add(p.FailureLockoutDuration)}
		f.lockouts[key] = entry
	}

	entry.failures++
	if entry.failures >= p.FailureLockoutThreshold {
		entry.lockedTill = now.Add(p.FailureLockoutDuration)
	}
}

// RecordSuccess clears any accumulated failure count for (sk, ip), so a
// legitimate user who previously mistyped a solution isn't punished once
// they succeed.
func (f *Filter) RecordSuccess(sk string, ip netip.Addr) {
	key := rateLimitKey{sitekey: sk, ip: ip}

	f.lockoutsMu.Lock()
	defer f.lockoutsMu.Unlock()
	delete(f.lockouts, key)
}

// GC sweeps expired rate-limit buckets and stale lockout entries. Intended
// to run from a periodic maintenance job.
func (f *Filter) GC(ctx context.Context, maxToDelete int) {
	f.rate.Cleanup(ctx, time.Now(), maxToDelete, nil)

	now := time.Now()
	f.lockoutsMu.Lock()
	for key, entry := range f.lockouts {
		if now.After(entry.windowEnds) && now.After(entry.lockedTill) {
			delete(f.lockouts, key)
		}
	}
	f.lockoutsMu.Unlock()

	f.gcFingerprints(now)
}
