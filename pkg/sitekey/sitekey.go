// Package sitekey defines the durable per-site identity and policy record
// that every other component (challenge issuance, risk scoring, config
// delivery, siteverify redemption) is scoped by.
package sitekey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned by Store lookups when no sitekey matches.
var ErrNotFound = errors.New("sitekey: not found")

// PublicKeyPrefix and SecretPrefix distinguish the two halves of a sitekey
// pair at a glance -- a public key is safe to embed in page source, a
// secret never leaves the server after its creation response.
const (
	PublicKeyPrefix = "pk_"
	SecretPrefix    = "sk_"
)

// HashSecret is the one-way hash stored alongside a Sitekey so the raw
// secret is recoverable by the client only at creation time; every later
// GetBySecretHash lookup (siteverify calls) hashes the presented secret the
// same way and compares.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// PuzzleType enumerates the challenge variants a sitekey may present,
// mirroring the tagged-sum puzzle modeling used by pkg/challenge.
type PuzzleType string

const (
	PuzzleGrid       PuzzleType = "grid"
	PuzzleJigsaw     PuzzleType = "jigsaw"
	PuzzleGesture    PuzzleType = "gesture"
	PuzzleUpsideDown PuzzleType = "upside_down"
	PuzzleAudio      PuzzleType = "audio"
)

// RiskWeights is the six-feature ensemble configuration for C7. Weights must
// sum to 1 within a small tolerance; pkg/risk.ValidateWeights enforces that,
// called from pkg/verify.Orchestrator.IssueChallenge before a challenge is
// issued (this package can't call it directly: pkg/risk imports sitekey for
// RiskWeights, so the reverse import would cycle).
type RiskWeights struct {
	Automation float64 `json:"automation"`
	Behavioral float64 `json:"behavioral"`
	Fingerprint float64 `json:"fingerprint"`
	Reputation float64 `json:"reputation"`
	Anomaly    float64 `json:"anomaly"`
	Temporal   float64 `json:"temporal"`
}

// RiskThresholds bands a combined 0-100 risk score into low/medium/high/critical.
type RiskThresholds struct {
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

func DefaultRiskThresholds() RiskThresholds {
	return RiskThresholds{Medium: 20, High: 40, Critical: 65}
}

func DefaultRiskWeights() RiskWeights {
	return RiskWeights{
		Automation:  0.30,
		Behavioral:  0.20,
		Fingerprint: 0.15,
		Reputation:  0.15,
		Anomaly:     0.10,
		Temporal:    0.10,
	}
}

// Policy is the mutable, per-sitekey security configuration: the ordered
// C6 filter pipeline plus the C7 risk ensemble and the C2 PoW difficulty.
// It is what C9 encrypts and ships down to widgets.
type Policy struct {
	AllowedOrigins       []string      `json:"allowed_origins"`
	AllowSubdomains      bool          `json:"allow_subdomains"`
	AllowLocalhost       bool          `json:"allow_localhost"`
	BlockedIPs           []string      `json:"blocked_ips"`
	BlockedCountries     []string      `json:"blocked_countries"`
	AntiVPN              bool          `json:"anti_vpn"`
	IPRateLimitPerMinute int           `json:"ip_rate_limit_per_minute"`
	FailureLockoutThreshold int        `json:"failure_lockout_threshold"`
	FailureLockoutDuration  time.Duration `json:"failure_lockout_duration"`
	EnabledTypes            []PuzzleType  `json:"enabled_types"`
	PowDifficulty           uint8         `json:"pow_difficulty"`
	RiskWeights             RiskWeights     `json:"risk_weights"`
	RiskThresholds          RiskThresholds  `json:"risk_thresholds"`
	RiskSensitivity         float64         `json:"risk_sensitivity"`
	AllowSkipForTrustedFingerprints bool    `json:"allow_skip_for_trusted_fingerprints"`
	// TrustedFingerprintMinSuccesses is how many consecutive successful
	// verifications a fingerprint must accumulate before it earns the
	// skip-puzzle bypass; zero disables the bypass regardless of
	// AllowSkipForTrustedFingerprints.
	TrustedFingerprintMinSuccesses int           `json:"trusted_fingerprint_min_successes"`
	TrustedFingerprintTTL          time.Duration `json:"trusted_fingerprint_ttl"`
}

func DefaultPolicy() Policy {
	return Policy{
		AllowSubdomains:                true,
		IPRateLimitPerMinute:           60,
		FailureLockoutThreshold:        10,
		FailureLockoutDuration:         15 * time.Minute,
		EnabledTypes:                   []PuzzleType{PuzzleGrid, PuzzleGesture},
		PowDifficulty:                  5,
		RiskWeights:                    DefaultRiskWeights(),
		RiskThresholds:                 DefaultRiskThresholds(),
		RiskSensitivity:                1.0,
		TrustedFingerprintMinSuccesses: 5,
		TrustedFingerprintTTL:          24 * time.Hour,
	}
}

// Sitekey is the durable identity record: a public key embedded in widget
// markup and a secret key used for server-to-server siteverify calls. The
// secret is only ever returned in full at creation time; afterwards only its
// hash is retrievable, matching the teacher's API-key-at-rest convention.
type Sitekey struct {
	PublicKey    string
	SecretHash   string
	Domain       string
	Policy       Policy
	CreatedAt    time.Time
	Disabled     bool
}

// Store is the durable + cached lookup surface every other component depends
// on. Implementations (pkg/db) back it with Postgres and an otter-backed
// in-memory cache with negative caching, following db.memcache.
type Store interface {
	Create(ctx context.Context, domain string, policy Policy) (sk *Sitekey, secret string, err error)
	GetByPublicKey(ctx context.Context, publicKey string) (*Sitekey, error)
	GetBySecretHash(ctx context.Context, secretHash string) (*Sitekey, error)
	UpdatePolicy(ctx context.Context, publicKey string, policy Policy) error
}
