// Package risk implements the C7 ensemble scorer: six independent feature
// scores, each already normalized to 0-100 by their respective producers,
// combined by a per-sitekey weighted sum and banded against configurable
// thresholds.
package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/captchaforge/gatekeeper/pkg/sitekey"
)

var ErrWeightsOutOfTolerance = errors.New("risk: weights do not sum to 1 within tolerance")

const weightTolerance = 0.05

// Features holds the six independent 0-100 subscores that feed the
// ensemble. Producers are responsible for their own normalization; this
// package only combines and bands what it is given.
type Features struct {
	// Automation reflects signals of scripted/headless interaction: a PoW
	// solve that completes too fast for its difficulty.
	Automation float64
	// Behavioral reflects mouse/touch/keyboard interaction naturalness
	// reported by the widget (movement entropy, dwell times).
	Behavioral float64
	// Fingerprint reflects how many distinct IPs the client's fingerprint
	// has been seen from; a wide fan-out looks like a device farm.
	Fingerprint float64
	// Reputation reflects IP/ASN/abuse-history signals independent of this
	// specific request.
	Reputation float64
	// Anomaly reflects deviation from this sitekey's own historical
	// request baseline (novel geography, odd request shape).
	Anomaly float64
	// Temporal reflects request timing patterns (burst requests, off-hours
	// traffic incongruent with the sitekey's typical usage).
	Temporal float64
}

// Band buckets a combined score for policy decisions and reporting.
type Band string

const (
	BandLow      Band = "low"
	BandMedium   Band = "medium"
	BandHigh     Band = "high"
	BandCritical Band = "critical"
)

// Score is the ensemble's output for a single verification attempt.
type Score struct {
	Value    float64
	Band     Band
	Features Features
}

// ValidateWeights enforces that a sitekey's configured weights sum to 1
// within weightTolerance. pkg/verify.Orchestrator.IssueChallenge calls this
// before ever issuing a challenge, so a misconfigured policy fails closed
// with an internal error rather than silently skewing every risk score.
func ValidateWeights(w sitekey.RiskWeights) error {
	sum := w.Automation + w.Behavioral + w.Fingerprint + w.Reputation + w.Anomaly + w.Temporal
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: sum=%.4f", ErrWeightsOutOfTolerance, sum)
	}
	return nil
}

// Evaluate combines f under weights, applies sensitivity, clamps to
// [0,100], and bands the result against thresholds.
func Evaluate(f Features, weights sitekey.RiskWeights, thresholds sitekey.RiskThresholds, sensitivity float64) Score {
	if sensitivity <= 0 {
		sensitivity = 1.0
	}

	combined := weights.Automation*f.Automation +
		weights.Behavioral*f.Behavioral +
		weights.Fingerprint*f.Fingerprint +
		weights.Reputation*f.Reputation +
		weights.Anomaly*f.Anomaly +
		weights.Temporal*f.Temporal

	combined *= sensitivity
	combined = math.Max(0, math.Min(100, combined))

	return Score{
		Value:    combined,
		Band:     band(combined, thresholds),
		Features: f,
	}
}

// Rebanded reclamps value to [0,100] and re-bands it against thresholds,
// keeping features as-is. Used when a caller needs to add a fixed penalty
// on top of an already-combined score (e.g. a protocol-fallback penalty)
// without re-running the weighted sum.
func Rebanded(value float64, thresholds sitekey.RiskThresholds, f Features) Score {
	value = math.Max(0, math.Min(100, value))
	return Score{Value: value, Band: band(value, thresholds), Features: f}
}

func band(value float64, t sitekey.RiskThresholds) Band {
	switch {
	case value >= t.Critical:
		return BandCritical
	case value >= t.High:
		return BandHigh
	case value >= t.Medium:
		return BandMedium
	default:
		return BandLow
	}
}
