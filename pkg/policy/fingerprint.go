package policy

import (
	"net/netip"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

// maxIPsPerFingerprint bounds how many distinct IPs a single fingerprint
// tracks before the oldest is evicted; past this point the fingerprint is
// already squarely in device-farm territory and further IPs don't change
// the risk signal.
const maxIPsPerFingerprint = 32

// fingerprintTTL is how long a fingerprint entry survives without being
// observed again before GC reclaims it; an entry holding an unexpired trust
// grant is kept until that grant runs out.
const fingerprintTTL = time.Hour

type fingerprintKey struct {
	sitekey     string
	fingerprint common.TFingerprint
}

type fingerprintEntry struct {
	ips          map[netip.Addr]time.Time
	lastSeen     time.Time
	firstSeenAt  time.Time
	successCount int
	failureCount int
	trustedUntil time.Time
}

// ObserveFingerprint records ip against (sk, fp) and returns the distinct
// IP count seen for that fingerprint so far, the input risk.ScoreFingerprint
// expects. A fingerprint fanning out across many IPs in a short window
// looks like a device farm rather than one visitor reconnecting.
func (f *Filter) ObserveFingerprint(sk string, fp common.TFingerprint, ip netip.Addr) int {
	key := fingerprintKey{sitekey: sk, fingerprint: fp}
	now := time.Now()

	f.fingerprintsMu.Lock()
	defer f.fingerprintsMu.Unlock()

	entry, ok := f.fingerprints[key]
	if !ok {
		entry = &fingerprintEntry{ips: make(map[netip.Addr]time.Time), firstSeenAt: now}
		f.fingerprints[key] = entry
	}

	entry.ips[ip] = now
	entry.lastSeen = now

	if len(entry.ips) > maxIPsPerFingerprint {
		evictOldestIP(entry)
	}

	return len(entry.ips)
}

// RecordFingerprintOutcome accounts a completed verification attempt
// against (sk, fp) so repeated-success fingerprints can earn the trusted
// bypass (allowSkipForTrustedFingerprints). minSuccesses and ttl come from
// the sitekey's policy: once successCount reaches minSuccesses, the
// fingerprint is trusted for ttl from that point; any failure clears trust
// immediately and resets the counter, so one bad attempt costs the bypass.
func (f *Filter) RecordFingerprintOutcome(sk string, fp common.TFingerprint, success bool, minSuccesses int, ttl time.Duration) {
	if fp == 0 {
		return
	}

	key := fingerprintKey{sitekey: sk, fingerprint: fp}
	now := time.Now()

	f.fingerprintsMu.Lock()
	defer f.fingerprintsMu.Unlock()

	entry, ok := f.fingerprints[key]
	if !ok {
		entry = &fingerprintEntry{ips: make(map[netip.Addr]time.Time), firstSeenAt: now}
		f.fingerprints[key] = entry
	}
	entry.lastSeen = now

	if !success {
		entry.failureCount++
		entry.successCount = 0
		entry.trustedUntil = time.Time{}
		return
	}

	entry.successCount++
	if minSuccesses > 0 && entry.successCount >= minSuccesses && ttl > 0 {
		entry.trustedUntil = now.Add(ttl)
	}
}

// Trusted reports whether (sk, fp) currently holds an unexpired trust grant
// from RecordFingerprintOutcome.
func (f *Filter) Trusted(sk string, fp common.TFingerprint) bool {
	if fp == 0 {
		return false
	}

	key := fingerprintKey{sitekey: sk, fingerprint: fp}

	f.fingerprintsMu.Lock()
	defer f.fingerprintsMu.Unlock()

	entry, ok := f.fingerprints[key]
	if !ok {
		return false
	}
	return !entry.trustedUntil.IsZero() && time.Now().Before(entry.trustedUntil)
}

func evictOldestIP(entry *fingerprintEntry) {
	var oldestIP netip.Addr
	var oldestAt time.Time
	first := true
	for ip, seenAt := range entry.ips {
		if first || seenAt.Before(oldestAt) {
			oldestIP, oldestAt, first = ip, seenAt, false
		}
	}
	delete(entry.ips, oldestIP)
}

// gcFingerprints sweeps fingerprint entries untouched for longer than
// fingerprintTTL whose trust grant, if any, has expired. Called from GC
// alongside the rate-limit and lockout sweeps.
func (f *Filter) gcFingerprints(now time.Time) {
	f.fingerprintsMu.Lock()
	defer f.fingerprintsMu.Unlock()

	for key, entry := range f.fingerprints {
		if now.Sub(entry.lastSeen) > fingerprintTTL && !now.Before(entry.trustedUntil) {
			delete(f.fingerprints, key)
		}
	}
}
