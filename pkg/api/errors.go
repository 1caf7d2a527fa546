package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/captchaforge/gatekeeper/pkg/common"
)

// errorBody is the shape of every non-success response, matching the
// widely-copied {success, error, message} CAPTCHA error envelope so a
// backend integration doesn't have to learn a bespoke format.
type errorBody struct {
	Success       bool   `json:"success"`
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	RemainingTime int    `json:"remainingTime,omitempty"`
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header()[common.HeaderContentType] = common.HeaderValueContentTypeJSON
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", common.ErrAttr(err))
	}
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, code common.ErrorCode, message string) {
	s.writeErrorRemaining(ctx, w, code, message, 0)
}

func (s *Server) writeErrorRemaining(ctx context.Context, w http.ResponseWriter, code common.ErrorCode, message string, remainingMinutes int) {
	if message == "" {
		message = code.String()
	}
	writeJSON(ctx, w, code.HTTPStatus(), errorBody{
		Success:       false,
		Error:         code.String(),
		Message:       message,
		RemainingTime: remainingMinutes,
	})
}
