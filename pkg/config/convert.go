package config

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

// AsBool interprets a raw config value the same way common.ParseBoolean does
// for environment variables.
func AsBool(item common.ConfigItem) bool {
	if item == nil {
		return false
	}
	return common.ParseBoolean(item.Value())
}

// AsInt parses a raw config value as an integer, falling back to def on any
// parse failure or empty value.
func AsInt(item common.ConfigItem, def int) int {
	if item == nil {
		return def
	}

	value := item.Value()
	if len(value) == 0 {
		return def
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}

	return n
}

// AsDuration parses a raw config value as a Go duration string (e.g. "15m"),
// falling back to def on any parse failure or empty value.
func AsDuration(item common.ConfigItem, def time.Duration) time.Duration {
	if item == nil {
		return def
	}

	value := item.Value()
	if len(value) == 0 {
		return def
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}

	return d
}

// configURL wraps a parsed *url.URL with the Domain() accessor the server
// wiring uses to derive CORS/cookie scoping from a base URL config value.
type configURL struct {
	raw *url.URL
}

func (u *configURL) Domain() string {
	if u.raw == nil {
		return ""
	}
	return u.raw.Hostname()
}

func (u *configURL) String() string {
	if u.raw == nil {
		return ""
	}
	return u.raw.String()
}

// AsURL parses a raw config value as a URL, logging and returning an empty
// wrapper on failure rather than propagating the error to callers that just
// want a best-effort domain name.
func AsURL(ctx context.Context, item common.ConfigItem) *configURL {
	if item == nil {
		return &configURL{}
	}

	value := item.Value()
	if len(value) == 0 {
		return &configURL{}
	}

	parsed, err := url.Parse(value)
	if err != nil {
		slog.WarnContext(ctx, "Failed to parse config value as URL", "value", value, common.ErrAttr(err))
		return &configURL{}
	}

	return &configURL{raw: parsed}
}
