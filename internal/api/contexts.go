package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meshlink-protocol/meshlink/internal/models"
)

// ContextResponse is the wire form of a conversation context.
type ContextResponse struct {
	ID        string           `json:"id"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	CreatedAt string           `json:"created_at"`
	Messages  []models.Message `json:"messages"`
}

// GetContext returns one conversation context with its full message log.
func (h *Handler) GetContext(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.contexts.Get(id)
	if !ok {
		h.Error(w, http.StatusNotFound, "context not found")
		return
	}

	h.JSON(w, http.StatusOK, ContextResponse{
		ID:        c.ID,
		Metadata:  c.Metadata,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		Messages:  c.Messages(),
	})
}

// CreateContext allocates a fresh conversation context.
func (h *Handler) CreateContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Metadata map[string]any `json:"metadata"`
	}
	// Empty body is fine; metadata is optional.
	_ = decodeJSONBody(r, &req)

	c := h.contexts.Create(req.Metadata)
	h.JSON(w, http.StatusCreated, ContextResponse{
		ID:        c.ID,
		Metadata:  c.Metadata,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		Messages:  []models.Message{},
	})
}
