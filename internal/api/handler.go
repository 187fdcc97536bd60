// Package api is the HTTP transport collaborator: it owns the wire
// boundary of the protocol and forwards everything else to the core.
package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/meshlink-protocol/meshlink/internal/cert"
	"github.com/meshlink-protocol/meshlink/internal/conversation"
	"github.com/meshlink-protocol/meshlink/internal/registry"
	"github.com/meshlink-protocol/meshlink/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	registry  *registry.Registry
	router    *registry.Router
	contexts  *conversation.Manager
	authority *cert.Authority
	trust     store.TrustStore
	nonces    store.NonceStore
	log       zerolog.Logger

	mailboxMu sync.Mutex
	mailboxes map[string]*mailboxEntity
}

// NewHandler creates a new Handler with the given engine components.
func NewHandler(reg *registry.Registry, rt *registry.Router, contexts *conversation.Manager, authority *cert.Authority, trust store.TrustStore, nonces store.NonceStore, log zerolog.Logger) *Handler {
	return &Handler{
		registry:  reg,
		router:    rt,
		contexts:  contexts,
		authority: authority,
		trust:     trust,
		nonces:    nonces,
		log:       log.With().Str("component", "api").Logger(),
		mailboxes: make(map[string]*mailboxEntity),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Denied sends the generic denial used for every security failure, so a
// remote peer cannot distinguish which check rejected it.
func (h *Handler) Denied(w http.ResponseWriter) {
	h.Error(w, http.StatusForbidden, "denied")
}

// decodeJSONBody decodes an optional JSON body into dst; an empty body is
// not an error.
func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}
