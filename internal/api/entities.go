package api

import (
	"net/http"
	"strings"
)

// ListEntities returns the ids of currently live entities, optionally
// filtered by an id prefix.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	ids := []string{}
	for id := range h.registry.Find(func(id string) bool {
		return prefix == "" || strings.HasPrefix(id, prefix)
	}) {
		ids = append(ids, id)
	}

	h.JSON(w, http.StatusOK, map[string]any{
		"entities": ids,
		"count":    len(ids),
	})
}
