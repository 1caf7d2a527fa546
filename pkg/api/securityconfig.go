package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/captchaforge/gatekeeper/pkg/common"
	"github.com/captchaforge/gatekeeper/pkg/session"
	"github.com/captchaforge/gatekeeper/pkg/sitekey"
)

type securityConfigRequest struct {
	Sitekey     string `json:"sitekey"`
	SessionID   string `json:"session_id"`
	ClientNonce string `json:"client_nonce"`
}

type securityConfigResponse struct {
	Encrypted string `json:"encrypted"`
	ConfigID  string `json:"configId"`
}

// securityConfigHandler runs C9: it delivers the sitekey's public policy
// (enabled puzzle types, PoW difficulty) AEAD-sealed under the caller's
// already-established session key, so a static policy change takes effect
// for a widget without it ever re-running the handshake.
func (s *Server) securityConfigHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req securityConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sitekey == "" || req.SessionID == "" {
		s.writeError(ctx, w, common.ErrMalformedRequest, "")
		return
	}

	ciphertext, configID, err := s.SiteConfig.Deliver(ctx, req.Sitekey, req.SessionID, req.ClientNonce)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionMissing):
			s.writeError(ctx, w, common.ErrNoSession, "")
		case errors.Is(err, sitekey.ErrNotFound):
			s.writeError(ctx, w, common.ErrUnknownSitekey, "")
		default:
			s.writeError(ctx, w, common.ErrInternalError, "")
		}
		return
	}

	writeJSON(ctx, w, http.StatusOK, securityConfigResponse{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		ConfigID:  configID,
	})
}
