package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/registry"
)

// RegisterRequest is the registration handshake sent on channel
// establishment, before any routing happens for that channel.
type RegisterRequest struct {
	Type        string `json:"type"` // must be "registration"
	EntityID    string `json:"entity_id"`
	Certificate string `json:"certificate,omitempty"` // armored; falls back to the certificate of record
}

// RegisterResponse confirms a registration.
type RegisterResponse struct {
	EntityID string `json:"entity_id"`
	InboxURL string `json:"inbox_url"`
}

// Register handles the registration handshake for a remote entity.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type != "registration" {
		h.Error(w, http.StatusBadRequest, `type must be "registration"`)
		return
	}
	if req.EntityID == "" {
		h.Error(w, http.StatusBadRequest, "entity_id is required")
		return
	}

	var certificate *cert.Certificate
	if req.Certificate != "" {
		c, err := cert.Decode(req.Certificate)
		if err != nil {
			h.Error(w, http.StatusBadRequest, "invalid certificate")
			return
		}
		certificate = c
	} else if h.trust != nil {
		c, err := h.trust.GetCertificate(r.Context(), req.EntityID)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "trust store error")
			return
		}
		certificate = c
	}

	mbox := newMailboxEntity(req.EntityID)
	if err := h.registry.Register(mbox, certificate, nil); err != nil {
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			h.Error(w, http.StatusConflict, "entity already registered")
			return
		}
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.mailboxMu.Lock()
	h.mailboxes[req.EntityID] = mbox
	h.mailboxMu.Unlock()

	h.JSON(w, http.StatusCreated, RegisterResponse{
		EntityID: req.EntityID,
		InboxURL: "/inbox/" + req.EntityID,
	})
}

// Unregister removes a registration. Repeated register/unregister cycles
// for the same id are expected from reconnecting transports.
func (h *Handler) Unregister(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.registry.Unregister(id); err != nil {
		h.Error(w, http.StatusNotFound, "entity not found")
		return
	}

	h.mailboxMu.Lock()
	delete(h.mailboxes, id)
	h.mailboxMu.Unlock()

	h.JSON(w, http.StatusOK, map[string]string{"entity_id": id, "status": "unregistered"})
}

// Inbox drains the caller's queued messages.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	h.mailboxMu.Lock()
	mbox, ok := h.mailboxes[id]
	h.mailboxMu.Unlock()
	if !ok {
		h.Error(w, http.StatusNotFound, "entity not registered on this transport")
		return
	}

	msgs, dropped := mbox.Drain()
	h.JSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"dropped":  dropped,
	})
}
