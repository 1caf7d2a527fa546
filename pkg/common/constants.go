package common

import "net/http"

const (
	ServiceName           = "gatekeeper"
	StageDev              = "dev"
	StageStaging          = "staging"
	StageTest             = "test"
	StageProd             = "prod"
	ContentTypePlain      = "text/plain"
	ContentTypeHTML       = "text/html; charset=utf-8"
	ContentTypeJSON       = "application/json"
	ContentTypeURLEncoded = "application/x-www-form-urlencoded"
	ParamSiteKey          = "sitekey"
	ParamSecret           = "secret"
	ParamResponse         = "response"
	ParamRemoteIP         = "remoteip"
	ParamID               = "id"
	All                   = "all"
)

var (
	HeaderContentType         = http.CanonicalHeaderKey("Content-Type")
	HeaderContentLength       = http.CanonicalHeaderKey("Content-Length")
	HeaderAccessControlOrigin = http.CanonicalHeaderKey("Access-Control-Allow-Origin")
	HeaderTraceID             = http.CanonicalHeaderKey("X-Trace-ID")
	HeaderCacheControl        = http.CanonicalHeaderKey("Cache-Control")
	HeaderSitekey             = http.CanonicalHeaderKey("X-GK-Sitekey")
	HeaderAPIKey              = http.CanonicalHeaderKey("X-API-Key")
	HeaderProtocolVersion     = http.CanonicalHeaderKey("X-GK-Protocol")
)
