package risk_test

import (
	"testing"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/risk"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/stretchr/testify/require"
)

func TestValidateWeightsAcceptsDefault(t *testing.T) {
	require.NoError(t, risk.ValidateWeights(sitekey.DefaultRiskWeights()))
}

func TestValidateWeightsRejectsOutOfTolerance(t *testing.T) {
	w := sitekey.DefaultRiskWeights()
	w.Automation = 0.9
	require.ErrorIs(t, risk.ValidateWeights(w), risk.ErrWeightsOutOfTolerance)
}

func TestEvaluateLowRiskBand(t *testing.T) {
	score := risk.Evaluate(risk.Features{}, sitekey.DefaultRiskWeights(), sitekey.DefaultRiskThresholds(), 1.0)
	require.Equal(t, risk.BandLow, score.Band)
	require.InDelta(t, 0, score.Value, 0.001)
}

func TestEvaluateCriticalBandForMaximalFeatures(t *testing.T) {
	f := risk.Features{Automation: 100, Behavioral: 100, Fingerprint: 100, Reputation: 100, Anomaly: 100, Temporal: 100}
	score := risk.Evaluate(f, sitekey.DefaultRiskWeights(), sitekey.DefaultRiskThresholds(), 1.0)
	require.Equal(t, risk.BandCritical, score.Band)
	require.InDelta(t, 100, score.Value, 0.001)
}

func TestEvaluateSensitivityScalesScore(t *testing.T) {
	f := risk.Features{Automation: 50}
	weights := sitekey.DefaultRiskWeights()
	thresholds := sitekey.DefaultRiskThresholds()

	base := risk.Evaluate(f, weights, thresholds, 1.0)
	boosted := risk.Evaluate(f, weights, thresholds, 2.0)

	require.Greater(t, boosted.Value, base.Value)
}

func TestScoreAutomationFlagsTooFastSolve(t *testing.T) {
	require.Greater(t, risk.ScoreAutomation(10*time.Millisecond, time.Second), 0.0)
	require.Equal(t, 0.0, risk.ScoreAutomation(900*time.Millisecond, time.Second))
}

func TestScoreFingerprintScalesWithIPFanout(t *testing.T) {
	require.Equal(t, 0.0, risk.ScoreFingerprint(1))
	require.Greater(t, risk.ScoreFingerprint(20), risk.ScoreFingerprint(2))
}

func TestScoreReputationCapsAt100(t *testing.T) {
	require.Equal(t, 100.0, risk.ScoreReputation(true, 20))
}
