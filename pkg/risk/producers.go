package risk

import (
	"math"
	"time"
)

// ScoreAutomation flags proof-of-work solves that complete implausibly fast
// relative to expectedSolveTime (headless brute force on server-grade
// hardware): under 5% of it scores 90, under 20% scores 50, anything slower
// scores 0. A solve time close to the expected average is not flagged.
func ScoreAutomation(solveTime time.Duration, expectedSolveTime time.Duration) float64 {
	if expectedSolveTime <= 0 {
		return 0
	}

	ratio := float64(solveTime) / float64(expectedSolveTime)
	switch {
	case ratio < 0.05:
		return 90
	case ratio < 0.2:
		return 50
	default:
		return 0
	}
}

// ScoreBehavioral converts a widget-reported interaction-naturalness metric
// (0 = fully scripted, 1 = fully organic) into a 0-100 risk subscore.
func ScoreBehavioral(naturalness float64) float64 {
	naturalness = math.Max(0, math.Min(1, naturalness))
	return (1 - naturalness) * 100
}

// ScoreFingerprint rates how often this exact fingerprint has been seen
// across distinct IPs in a short window; a fingerprint fanning out across
// many IPs looks more like a device farm than a single visitor.
func ScoreFingerprint(distinctIPsSeen int) float64 {
	switch {
	case distinctIPsSeen <= 1:
		return 0
	case distinctIPsSeen <= 3:
		return 25
	case distinctIPsSeen <= 10:
		return 60
	default:
		return 90
	}
}

// ScoreReputation folds a VPN/proxy/hosting-range flag and a recent abuse
// count for the same IP into one subscore.
func ScoreReputation(isVPN bool, recentAbuseReports int) float64 {
	score := 0.0
	if isVPN {
		score += 40
	}
	score += math.Min(60, float64(recentAbuseReports)*15)
	return math.Min(100, score)
}

// ScoreAnomaly compares this request's country against the sitekey's
// historically dominant countries; a first-ever country for an otherwise
// stable sitekey is weak evidence of credential/session abuse.
func ScoreAnomaly(countrySeenBefore bool) float64 {
	if countrySeenBefore {
		return 0
	}
	return 35
}

// ScoreTemporal flags requests clustered far more tightly in time than this
// sitekey's typical traffic, a signal of scripted bursts rather than
// independent human visitors.
func ScoreTemporal(interArrival, typicalInterArrival time.Duration) float64 {
	if typicalInterArrival <= 0 || interArrival >= typicalInterArrival {
		return 0
	}

	ratio := float64(interArrival) / float64(typicalInterArrival)
	return math.Max(0, (1-ratio)*100)
}
