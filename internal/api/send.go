package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
	"github.com/meshlink-protocol/meshlink/internal/models"
	"github.com/meshlink-protocol/meshlink/internal/registry"
	"github.com/meshlink-protocol/meshlink/internal/security"
)

// Send routes one wire message through the core pipeline and returns the
// recipient's optional response. Security failures of every kind collapse
// into the same generic denial toward the remote peer; the detailed cause
// is logged and counted internally.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	msg, err := models.UnmarshalWire(body)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid message")
		return
	}

	var senderCert *cert.Certificate
	if h.trust != nil {
		senderCert, err = h.trust.GetCertificate(r.Context(), msg.Sender)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "trust store error")
			return
		}
	}

	response, err := h.router.Route(r.Context(), msg, senderCert)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrUnknownRecipient):
			h.Error(w, http.StatusNotFound, "unknown recipient")
		case errors.Is(err, registry.ErrMessageExpired):
			h.Error(w, http.StatusGone, "message expired")
		case errors.Is(err, registry.ErrPartialDelivery):
			h.log.Error().Err(err).Str("id", msg.ID).Msg("partial delivery")
			h.Error(w, http.StatusInternalServerError, "partial delivery")
		case errors.Is(err, registry.ErrPolicyDenied),
			errors.Is(err, security.ErrUntrustedSender),
			errors.Is(err, security.ErrTamperedMessage),
			errors.Is(err, security.ErrMissingSignature),
			errors.Is(err, crypto.ErrAuthenticationFailed):
			h.log.Warn().Err(err).Str("id", msg.ID).Str("sender", msg.Sender).Msg("message rejected")
			h.Denied(w)
		default:
			h.log.Error().Err(err).Str("id", msg.ID).Msg("routing failed")
			h.Error(w, http.StatusInternalServerError, "routing failed")
		}
		return
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"delivered": true,
		"response":  response,
	})
}
