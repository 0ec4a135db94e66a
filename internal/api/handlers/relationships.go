package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl/pkg/models"
)

// CreateRelationship handles POST /relationships.
func (h *Handlers) CreateRelationship(w http.ResponseWriter, r *http.Request) {
	var rel models.Relationship
	if err := decodeJSON(r, &rel); err != nil {
		respondError(w, err)
		return
	}
	created, err := h.Relationships.Create(r.Context(), &rel)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// ListEntityRelationships handles GET /entities/{id}/relationships?direction=&kinds=.
func (h *Handlers) ListEntityRelationships(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")
	q := r.URL.Query()

	dir := models.DirBoth
	if d := q.Get("direction"); d != "" {
		dir = models.Direction(d)
	}

	var kinds []models.RelationshipKind
	if ks := q.Get("kinds"); ks != "" {
		for _, k := range strings.Split(ks, ",") {
			kinds = append(kinds, models.ParseRelationshipKind(k))
		}
	}

	rels, err := h.Relationships.GetForEntity(r.Context(), entityID, dir, kinds)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rels)
}

// DeleteRelationship handles DELETE /relationships/{id}.
func (h *Handlers) DeleteRelationship(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.Relationships.Delete(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
