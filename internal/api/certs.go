package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/crypto"
	"github.com/meshlink-protocol/meshlink/internal/metrics"
)

// IssueCertRequest asks the authority to bind an entity id to a public
// key for a bounded number of days.
type IssueCertRequest struct {
	EntityID  string `json:"entity_id"`
	PublicKey string `json:"public_key"` // base64 PKIX DER
	Days      int    `json:"days"`
}

// IssueCertResponse carries the freshly issued certificate in armored
// form, ready to hand to the subject entity.
type IssueCertResponse struct {
	EntityID    string `json:"entity_id"`
	Serial      int64  `json:"serial_number"`
	ValidUntil  string `json:"valid_until"`
	Certificate string `json:"certificate"`
}

// IssueCert issues a certificate under the transport's authority and
// records it as the certificate of record for the entity.
func (h *Handler) IssueCert(w http.ResponseWriter, r *http.Request) {
	var req IssueCertRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.EntityID == "" || req.PublicKey == "" {
		h.Error(w, http.StatusBadRequest, "entity_id and public_key are required")
		return
	}
	if req.Days <= 0 {
		req.Days = 30
	}

	pub, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid public key")
		return
	}

	c, err := h.authority.Issue(req.EntityID, pub, time.Duration(req.Days)*24*time.Hour)
	if err != nil {
		if errors.Is(err, cert.ErrInvalidPeriod) || errors.Is(err, cert.ErrMalformed) {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("entity_id", req.EntityID).Msg("Certificate issuance failed")
		h.Error(w, http.StatusInternalServerError, "issuance failed")
		return
	}

	if h.trust != nil {
		if err := h.trust.SaveCertificate(r.Context(), c); err != nil {
			h.log.Error().Err(err).Str("entity_id", req.EntityID).Msg("Failed to persist certificate")
			h.Error(w, http.StatusInternalServerError, "trust store error")
			return
		}
	}

	armored, err := c.Encode()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "encoding failed")
		return
	}

	metrics.CertificatesIssued.Inc()
	h.log.Info().
		Str("entity_id", req.EntityID).
		Int64("serial", c.SerialNumber).
		Int("days", req.Days).
		Msg("Certificate issued")

	h.JSON(w, http.StatusCreated, IssueCertResponse{
		EntityID:    c.EntityID,
		Serial:      c.SerialNumber,
		ValidUntil:  time.Unix(c.ValidUntil, 0).UTC().Format(time.RFC3339),
		Certificate: armored,
	})
}

// RevokeCertRequest names a certificate serial to revoke.
type RevokeCertRequest struct {
	SerialNumber int64 `json:"serial_number"`
}

// RevokeCert revokes a certificate by serial, both in the live authority
// and in the trust store.
func (h *Handler) RevokeCert(w http.ResponseWriter, r *http.Request) {
	var req RevokeCertRequest
	if err := decodeJSONBody(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SerialNumber <= 0 {
		h.Error(w, http.StatusBadRequest, "serial_number is required")
		return
	}

	h.authority.Revoke(req.SerialNumber)
	if h.trust != nil {
		if err := h.trust.RevokeCertificate(r.Context(), req.SerialNumber); err != nil {
			h.log.Error().Err(err).Int64("serial", req.SerialNumber).Msg("Failed to persist revocation")
			h.Error(w, http.StatusInternalServerError, "trust store error")
			return
		}
	}

	h.log.Info().Int64("serial", req.SerialNumber).Msg("Certificate revoked")
	h.JSON(w, http.StatusOK, map[string]any{
		"serial_number": req.SerialNumber,
		"status":        "revoked",
	})
}
