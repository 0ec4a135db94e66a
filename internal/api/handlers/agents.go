package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sibylhq/sibyl/internal/errs"
	"github.com/sibylhq/sibyl/pkg/models"
)

type spawnAgentRequest struct {
	Prompt    string `json:"prompt"`
	AgentType string `json:"agent_type"`
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
}

type agentRefResponse struct {
	AgentID string `json:"agent_id"`
	JobID   string `json:"job_id"`
}

// SpawnAgent handles POST /agents. It only mints the agent id and
// enqueues a run job, so the caller gets a stable id back at once; the
// agent entity is created by Runner.Spawn in a worker process picking
// the job off the queue, since Runner.Spawn blocks on the full message
// stream.
func (h *Handlers) SpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Prompt == "" {
		respondError(w, &errs.InvalidInput{Reason: "prompt is required"})
		return
	}

	agentID := "agent_" + uuid.New().String()
	job, err := h.Jobs.Enqueue(r.Context(), h.Tenant, models.JobRunAgentExecution, map[string]interface{}{
		"agent_id":   agentID,
		"prompt":     req.Prompt,
		"agent_type": req.AgentType,
		"project_id": req.ProjectID,
		"task_id":    req.TaskID,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, agentRefResponse{AgentID: agentID, JobID: job.ID})
}

type resumeAgentRequest struct {
	Prompt string `json:"message"`
}

// ResumeAgent handles POST /agents/{id}/resume.
func (h *Handlers) ResumeAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	var req resumeAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if _, err := h.Entities.Get(r.Context(), agentID); err != nil {
		respondError(w, err)
		return
	}

	job, err := h.Jobs.Enqueue(r.Context(), h.Tenant, models.JobResumeAgentExecution, map[string]interface{}{
		"agent_id": agentID,
		"prompt":   req.Prompt,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, agentRefResponse{AgentID: agentID, JobID: job.ID})
}

// CancelAgent handles POST /agents/{id}/cancel. Cancellation is quick
// (deny pending gates, mark the agent failed) so it runs inline rather
// than through the job queue.
func (h *Handlers) CancelAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	ctx := r.Context()

	if err := h.Approvals.CancelAll(ctx, agentID); err != nil {
		respondError(w, err)
		return
	}

	entity, err := h.Entities.Get(ctx, agentID)
	if err != nil {
		respondError(w, err)
		return
	}
	status, _ := entity.Properties["status"].(models.AgentStatus)
	if status == models.AgentCompleted || status == models.AgentFailed {
		respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
		return
	}
	if _, err := h.Entities.Update(ctx, agentID, map[string]interface{}{
		"status": models.AgentFailed,
		"error":  "cancelled",
	}); err != nil {
		respondError(w, err)
		return
	}
	h.Bus.Publish(ctx, h.Tenant, models.Event{
		Name: models.EventAgentStatus,
		Data: map[string]interface{}{"agent_id": agentID, "status": models.AgentFailed},
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": string(models.AgentFailed)})
}

// ListMessages handles GET /agents/{id}/messages?after=&limit=.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	after, _ := strconv.Atoi(r.URL.Query().Get("after"))

	msgs, err := h.Store.ListMessages(r.Context(), h.Tenant, agentID, after)
	if err != nil {
		respondError(w, err)
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, _ = strconv.Atoi(l)
	}
	if limit > 0 && limit < len(msgs) {
		msgs = msgs[:limit]
	}
	respondJSON(w, http.StatusOK, msgs)
}
