package api

import (
	"net/http"
	"net/netip"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

// originOf reads the Origin header a widget's browser sets on every
// cross-origin fetch, falling back to Referer for the rare client that
// omits it (older same-site form posts, some in-app browsers).
func originOf(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return r.Header.Get("Referer")
}

// clientIPFromContext reads the address the IP rate limiter middleware
// already resolved and stashed in the request context, so C6/C7 never have
// to re-run the X-Forwarded-For strategy chain themselves.
func clientIPFromContext(r *http.Request) netip.Addr {
	if addr, ok := r.Context().Value(common.RateLimitKeyContextKey).(netip.Addr); ok {
		return addr
	}
	return netip.Addr{}
}
