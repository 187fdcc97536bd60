package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meshlink-protocol/meshlink/internal/policy"
)

// PutPolicy installs a policy document for an entity: validated, persisted
// and made live on the router in that order, so a malformed document never
// changes routing behavior.
func (h *Handler) PutPolicy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	p, err := policy.Load(body)
	if err != nil {
		if errors.Is(err, policy.ErrMalformedDocument) {
			h.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		h.Error(w, http.StatusBadRequest, "invalid policy document")
		return
	}

	if h.trust != nil {
		if err := h.trust.SavePolicy(r.Context(), p); err != nil {
			h.log.Error().Err(err).Str("entity_id", p.EntityID()).Msg("Failed to persist policy")
			h.Error(w, http.StatusInternalServerError, "trust store error")
			return
		}
	}
	h.router.SetPolicy(p)

	h.log.Info().
		Str("entity_id", p.EntityID()).
		Int("rules", len(p.Rules())).
		Msg("Policy installed")

	h.JSON(w, http.StatusOK, map[string]any{
		"entity_id": p.EntityID(),
		"rules":     len(p.Rules()),
	})
}

// GetPolicy returns the live policy for an entity.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := h.router.Policy(id)
	if !ok {
		h.Error(w, http.StatusNotFound, "no policy for entity")
		return
	}
	h.JSON(w, http.StatusOK, policy.Document{
		EntityID:    id,
		Permissions: p.Rules(),
	})
}
