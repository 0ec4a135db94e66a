package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl/internal/errs"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/pkg/models"
)

type searchEntitiesRequest struct {
	Query string              `json:"query"`
	Kinds []models.EntityKind `json:"kinds"`
	Limit int                 `json:"limit"`
}

// SearchEntities handles POST /entities/search.
func (h *Handlers) SearchEntities(w http.ResponseWriter, r *http.Request) {
	var req searchEntitiesRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	results, err := h.Entities.Search(r.Context(), req.Query, req.Kinds, req.Limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, results)
}

// CreateEntity handles POST /entities.
func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var entity models.Entity
	if err := decodeJSON(r, &entity); err != nil {
		respondError(w, err)
		return
	}
	created, err := h.Entities.Create(r.Context(), &entity)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// GetEntity handles GET /entities/{id}.
func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entity, err := h.Entities.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// UpdateEntity handles PATCH /entities/{id}.
func (h *Handlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var updates map[string]interface{}
	if err := decodeJSON(r, &updates); err != nil {
		respondError(w, err)
		return
	}
	entity, err := h.Entities.Update(r.Context(), id, updates)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

// DeleteEntity handles DELETE /entities/{id}.
func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Entities.Delete(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListEntities handles GET /entities?kind=&filters=&limit=&offset=.
func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	if kind == "" {
		respondError(w, &errs.InvalidInput{Reason: "kind is required"})
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	filters := graph.ListFilters{
		EpicID:          q.Get("epic_id"),
		Status:          q.Get("status"),
		Priority:        q.Get("priority"),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if tags := q.Get("tags"); tags != "" {
		filters.Tags = strings.Split(tags, ",")
	}

	entities, err := h.Entities.ListByType(r.Context(), models.EntityKind(kind), limit, offset, filters)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entities)
}
