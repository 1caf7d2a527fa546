package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/maintenance"
	"github.com/captchaforge/gatekeeper/pkg/monitoring"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/sitecfg"
	"github.com/captchaforge/gatekeeper/pkg/siteverify"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
	"github.com/captchaforge/gatekeeper/pkg/verify"
	"github.com/justinas/alice"
	"github.com/rs/cors"
)

const (
	handshakeEndpoint      = "handshake"
	securityConfigEndpoint = "security-config"
	challengeEndpoint      = "challenge"
	verifyEndpoint         = "verify"
	siteverifyEndpoint     = "siteverify"
	livezEndpoint          = "livez"
	readyzEndpoint         = "readyz"
)

// Server wires every other component into C11's HTTP surface: one
// http.ServeMux route per endpoint in the wire table, each behind an
// alice.Chain the same way the teacher composes recovery, tracing, cors,
// timeouts, and IP-level rate limiting ahead of the domain handler.
type Server struct {
	Sitekeys   sitekey.Store
	Sessions   *session.Manager
	SiteConfig *sitecfg.Service
	Verify     *verify.Orchestrator
	SiteVerify *siteverify.Service
	Health     *maintenance.HealthCheckJob
	Metrics    common.GatekeeperMetrics

	// TokenKey must be the same key backing Verify.TokenKey; it lets the
	// /verify handler authenticate a challenge token's bare id itself,
	// ahead of the orchestrator consuming it, so it can derive the
	// solution/metadata keys before calling Verify.
	TokenKey []byte

	cors *cors.Cors
}

// Init runs one-time server startup that doesn't belong in Setup: starting
// the session store's GC loop. Periodic maintenance jobs (token GC, policy
// filter GC, health checks) are scheduled separately by the caller via
// common.RunPeriodicJob, matching how the teacher schedules its own
// background jobs outside of Init.
func (s *Server) Init(ctx context.Context, sessionGCInterval time.Duration) {
	s.Sessions.Init(ctx, sessionGCInterval)
}

// Setup builds the CORS policy and registers every route under prefix.
// protect is applied to every public route ahead of the domain handler,
// the same slot the teacher's Auth.Sitekey middleware occupies; in this
// service it is the coarse IP-level rate limiter (pkg/ratelimit), since
// fine-grained per-sitekey policy enforcement (C6) runs inside the
// handlers themselves via verify.Orchestrator.
func (s *Server) Setup(router *http.ServeMux, prefix string, verbose bool, protect alice.Constructor) {
	corsOpts := cors.Options{
		// A widget is embedded on whatever domain a customer's site runs on,
		// which can't be known in advance; the real access boundary is the
		// per-sitekey origin allowlist enforced in C6, not CORS.
		AllowOriginFunc:     func(string) bool { return true },
		AllowedHeaders:      []string{common.HeaderProtocolVersion, common.HeaderSitekey, "accept", "content-type", "authorization"},
		AllowedMethods:      []string{http.MethodPost, http.MethodOptions},
		AllowPrivateNetwork: true,
		OptionsPassthrough:  true,
		Debug:               verbose,
		MaxAge:              60 * 60,
	}

	if corsOpts.Debug {
		corsOpts.Logger = &common.FmtLogger{Ctx: common.TraceContext(context.TODO(), "cors"), Level: common.LevelTrace}
	}

	s.cors = cors.New(corsOpts)

	s.setupWithPrefix(router, prefix, protect)
}

// writeSecurityHeaders applies the no-framing/no-sniff defaults to every
// response on the public surface; these are JSON endpoints that never need
// to render inside a frame or be content-type-sniffed by a browser.
func writeSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		common.WriteHeaders(w, common.SecurityHeaders)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setupWithPrefix(router *http.ServeMux, prefix string, protect alice.Constructor) {
	prefix = common.RelURL(prefix, "")
	slog.Debug("Setting up the API routes", "prefix", prefix)

	publicChain := alice.New(common.Recovered, monitoring.Traced, monitoring.Logged, s.cors.Handler, protect, common.NoCache, writeSecurityHeaders, s.Metrics.Handler)

	router.Handle(http.MethodPost+" "+prefix+handshakeEndpoint,
		publicChain.Append(common.TimeoutHandler(2*time.Second)).ThenFunc(s.handshakeHandler))

	router.Handle(http.MethodPost+" "+prefix+securityConfigEndpoint,
		publicChain.Append(common.TimeoutHandler(1*time.Second)).ThenFunc(s.securityConfigHandler))

	router.Handle(http.MethodPost+" "+prefix+challengeEndpoint,
		publicChain.Append(common.TimeoutHandler(2*time.Second)).ThenFunc(s.challengeHandler))

	router.Handle(http.MethodPost+" "+prefix+verifyEndpoint,
		publicChain.Append(common.TimeoutHandler(3*time.Second)).ThenFunc(s.verifyHandler))

	router.Handle(http.MethodPost+" "+prefix+siteverifyEndpoint,
		publicChain.Append(common.TimeoutHandler(2*time.Second)).ThenFunc(s.siteverifyHandler))

	if s.Health != nil {
		router.HandleFunc(http.MethodGet+" "+prefix+livezEndpoint, s.Health.LiveHandler)
		router.HandleFunc(http.MethodGet+" "+prefix+readyzEndpoint, s.Health.ReadyHandler)
	}

	router.Handle(prefix+"{$}", publicChain.Then(common.HttpStatus(http.StatusForbidden)))
}
