package monitoring

import (
	"net/http"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

type stubMetrics struct{}

func NewStub() *stubMetrics {
	return &stubMetrics{}
}

var _ common.PlatformMetrics = (*stubMetrics)(nil)
var _ common.GatekeeperMetrics = (*stubMetrics)(nil)

func (sm *stubMetrics) Handler(h http.Handler) http.Handler { return h }

func (sm *stubMetrics) ObserveChallengeIssued(string)                 {}
func (sm *stubMetrics) ObserveVerifyAttempt(string, common.ErrorCode) {}
func (sm *stubMetrics) ObserveRiskBand(string, string)                {}
func (sm *stubMetrics) ObserveHealth(postgres bool)                   {}
func (sm *stubMetrics) ObserveCacheHitRatio(string, float64)          {}
