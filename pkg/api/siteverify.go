package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

type siteverifyRequest struct {
	Secret   string `json:"secret"`
	Response string `json:"response"`
}

// siteverifyHandler runs C10: a site's own backend calls this with its
// secret key (as a bearer token, the hCaptcha/reCAPTCHA convention) and the
// verification token its frontend collected. The secret never travels in
// the body so it never ends up logged alongside request bodies.
func (s *Server) siteverifyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	secret := bearerToken(r)
	if secret == "" {
		s.writeError(ctx, w, common.ErrMalformedRequest, "missing bearer secret key")
		return
	}

	var req siteverifyRequest
	if err := decodeSiteverifyBody(r, &req); err != nil || req.Response == "" {
		s.writeError(ctx, w, common.ErrMalformedRequest, "")
		return
	}

	resp, err := s.SiteVerify.Verify(ctx, secret, req.Response)
	if err != nil {
		s.writeError(ctx, w, common.ErrInternalError, "")
		return
	}

	writeJSON(ctx, w, http.StatusOK, resp)
}

// decodeSiteverifyBody accepts either a JSON body or the traditional
// form-urlencoded siteverify body (secret/response/remoteip), matching the
// two encodings real backend integrations already send today.
func decodeSiteverifyBody(r *http.Request, req *siteverifyRequest) error {
	if strings.HasPrefix(r.Header.Get(common.HeaderContentType), common.ContentTypeURLEncoded) {
		if err := r.ParseForm(); err != nil {
			return err
		}
		req.Response = r.PostForm.Get(common.ParamResponse)
		return nil
	}
	return json.NewDecoder(r.Body).Decode(req)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}
