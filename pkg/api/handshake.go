package api

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

type handshakeRequest struct {
	Sitekey         string `json:"sitekey"`
	ClientPublicKey string `json:"client_public_key"`
}

type handshakeResponse struct {
	SessionID        string `json:"session_id"`
	ServicePublicKey string `json:"service_public_key"`
	ServiceNonce     string `json:"service_nonce"`
}

// handshakeHandler runs C1+C3: it looks up the sitekey, completes the ECDH
// exchange against the widget's ephemeral public key, and hands back a
// session id the widget attaches to every later call on this page load.
func (s *Server) handshakeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req handshakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sitekey == "" || req.ClientPublicKey == "" {
		s.writeError(ctx, w, common.ErrMalformedRequest, "")
		return
	}

	clientKey, err := base64.StdEncoding.DecodeString(req.ClientPublicKey)
	if err != nil {
		s.writeError(ctx, w, common.ErrMalformedRequest, "")
		return
	}

	sk, err := s.Sitekeys.GetByPublicKey(ctx, req.Sitekey)
	if err != nil || sk.Disabled {
		s.writeError(ctx, w, common.ErrUnknownSitekey, "")
		return
	}

	sess, servicePublicKey, err := s.Sessions.Begin(ctx, sk.PublicKey, clientKey)
	if err != nil {
		slog.WarnContext(ctx, "Handshake failed", common.ErrAttr(err))
		s.writeError(ctx, w, common.ErrHandshakeFailed, "")
		return
	}

	writeJSON(ctx, w, http.StatusOK, handshakeResponse{
		SessionID:        sess.ID,
		ServicePublicKey: base64.StdEncoding.EncodeToString(servicePublicKey),
		ServiceNonce:     sess.ServiceNonce,
	})
}
