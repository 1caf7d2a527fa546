package monitoring

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"
	prometheus_metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

const (
	metricsNamespace       = "gatekeeper"
	verifySubsystem        = "verify"
	platformMetricsSubsystem = "platform"
	sitekeyLabel           = "sitekey"
	resultLabel            = "result"
	bandLabel              = "band"
)

type Service struct {
	Registry          *prometheus.Registry
	fineAPIMiddleware middleware.Middleware
	challengeCounter  *prometheus.CounterVec
	verifyCounter     *prometheus.CounterVec
	riskBandCounter   *prometheus.CounterVec
	hitRatioGauge     *prometheus.GaugeVec
	postgresHealthGauge *prometheus.GaugeVec
}

var _ common.PlatformMetrics = (*Service)(nil)
var _ common.GatekeeperMetrics = (*Service)(nil)

func traceID() string {
	return xid.New().String()
}

// Traced injects a fresh trace id into the request context and response headers,
// the same job puzzle.Traced does for the teacher's API surface.
func Traced(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, tid := common.TraceContextFunc(r.Context(), traceID)
		w.Header()[common.HeaderTraceID] = []string{tid}
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Logged(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		ctx := r.Context()
		slog.Log(ctx, common.LevelTrace, "Started request", "path", r.URL.Path, "method", r.Method)
		defer func() {
			slog.Log(ctx, common.LevelTrace, "Finished request", "path", r.URL.Path, "method", r.Method,
				"duration", time.Since(t).Milliseconds())
		}()
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func NewService() *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	challengeCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: verifySubsystem,
			Name:      "challenge_issued_total",
			Help:      "Total number of challenges issued",
		},
		[]string{sitekeyLabel},
	)
	reg.MustRegister(challengeCounter)

	verifyCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: verifySubsystem,
			Name:      "attempt_total",
			Help:      "Total number of verification attempts by outcome",
		},
		[]string{sitekeyLabel, resultLabel},
	)
	reg.MustRegister(verifyCounter)

	riskBandCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: verifySubsystem,
			Name:      "risk_band_total",
			Help:      "Total number of risk scoring decisions by band",
		},
		[]string{sitekeyLabel, bandLabel},
	)
	reg.MustRegister(riskBandCounter)

	postgresHealthGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: platformMetricsSubsystem,
			Name:      "health_postgres",
			Help:      "Health status of Postgres",
		},
		[]string{},
	)
	reg.MustRegister(postgresHealthGauge)

	hitRatioGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: platformMetricsSubsystem,
			Name:      "cache_hit_ratio",
			Help:      "In-memory cache hit ratio",
		},
		[]string{"cache"},
	)
	reg.MustRegister(hitRatioGauge)

	fineRecorder := prometheus_metrics.NewRecorder(prometheus_metrics.Config{
		Prefix:          "fine",
		Registry:        reg,
		DurationBuckets: []float64{.01, .025, .05, .1, .25, .5, 1},
	})

	return &Service{
		Registry: reg,
		fineAPIMiddleware: middleware.New(middleware.Config{
			Service:            metricsNamespace,
			DisableMeasureSize: true,
			Recorder:           fineRecorder,
		}),
		challengeCounter:    challengeCounter,
		verifyCounter:       verifyCounter,
		riskBandCounter:     riskBandCounter,
		hitRatioGauge:       hitRatioGauge,
		postgresHealthGauge: postgresHealthGauge,
	}
}

func (s *Service) Handler(h http.Handler) http.Handler {
	// handlerID is taken from the request path, like the teacher's API handler wiring
	return std.Handler("", s.fineAPIMiddleware, h)
}

func (s *Service) ObserveChallengeIssued(sitekeyTag string) {
	s.challengeCounter.With(prometheus.Labels{sitekeyLabel: sitekeyTag}).Inc()
}

func (s *Service) ObserveVerifyAttempt(sitekeyTag string, result common.ErrorCode) {
	s.verifyCounter.With(prometheus.Labels{sitekeyLabel: sitekeyTag, resultLabel: result.String()}).Inc()
}

func (s *Service) ObserveRiskBand(sitekeyTag string, band string) {
	s.riskBandCounter.With(prometheus.Labels{sitekeyLabel: sitekeyTag, bandLabel: band}).Inc()
}

func (s *Service) ObserveCacheHitRatio(name string, ratio float64) {
	s.hitRatioGauge.With(prometheus.Labels{"cache": name}).Set(ratio)
}

func (s *Service) ObserveHealth(postgres bool) {
	var pgVal float64
	if postgres {
		pgVal = 1
	}
	s.postgresHealthGauge.With(prometheus.Labels{}).Set(pgVal)
}

func (s *Service) Setup(mux *http.ServeMux) {
	mux.Handle(http.MethodGet+" /metrics", common.Recovered(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{Registry: s.Registry})))
}
