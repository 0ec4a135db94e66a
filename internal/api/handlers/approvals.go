package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sibylhq/sibyl/internal/api/middleware"
)

type respondApprovalRequest struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
	Message  string `json:"message"`
}

// RespondApproval handles POST /approvals/{id}/respond.
func (h *Handlers) RespondApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req respondApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.By == "" {
		req.By = middleware.GetTenant(r.Context())
	}
	if err := h.Approvals.Respond(r.Context(), id, req.Approved, req.By, req.Message); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"approved": req.Approved})
}

type respondQuestionRequest struct {
	By     string `json:"by"`
	Answer string `json:"answer"`
}

// RespondQuestion handles POST /questions/{id}/respond. Questions use
// the same wait primitive and Service.Respond path as approvals; the
// answer text travels through the Message field and Approved is unused
// for this gate type.
func (h *Handlers) RespondQuestion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req respondQuestionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.By == "" {
		req.By = middleware.GetTenant(r.Context())
	}
	if err := h.Approvals.Respond(r.Context(), id, true, req.By, req.Answer); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}
