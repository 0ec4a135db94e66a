package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetJob handles GET /jobs/{id}.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.Store.GetJob(r.Context(), h.Tenant, id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}
