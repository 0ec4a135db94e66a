// Package handlers implements the HTTP surface for Sibyl's core: agent
// lifecycle, human approvals, the entity graph, and background job
// status. Handlers are thin — they translate a request into a call
// against graph.Manager, approvals.Service, jobs.Queue, or bus.Bus and
// map the result (or error) onto the wire.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/approvals"
	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/errs"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/internal/jobs"
	"github.com/sibylhq/sibyl/internal/store"
)

// Handlers holds every collaborator the HTTP layer dispatches into. OSS
// ships single-tenant-per-process: Entities/Relationships/Approvals/Jobs
// are constructed once at startup against the configured tenant, the same
// pattern internal/retention's one-Janitor-per-tenant uses. The ambient
// ctx tenant (set by middleware.TenantExtractor) is carried for logging
// and tracing, not to re-resolve which tenant's graph to hit.
type Handlers struct {
	Tenant        string
	Store         store.Store
	Bus           *bus.Bus
	Entities      *graph.Manager
	Relationships *graph.RelationshipManager
	Approvals     *approvals.Service
	Jobs          *jobs.Queue
}

func New(tenant string, st store.Store, b *bus.Bus, entities *graph.Manager, relationships *graph.RelationshipManager, approvalSvc *approvals.Service, jobQueue *jobs.Queue) *Handlers {
	return &Handlers{
		Tenant:        tenant,
		Store:         st,
		Bus:           b,
		Entities:      entities,
		Relationships: relationships,
		Approvals:     approvalSvc,
		Jobs:          jobQueue,
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			log.Error().Err(err).Msg("handlers: failed to encode response")
		}
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &errs.InvalidInput{Reason: "malformed request body: " + err.Error()}
	}
	return nil
}

// respondError maps the internal/errs taxonomy to an HTTP status via
// errors.As, falling back to 500 for anything untyped.
func respondError(w http.ResponseWriter, err error) {
	var notFound *errs.NotFound
	var invalid *errs.InvalidInput
	var conflict *errs.Conflict
	var forbidden *errs.TransitionForbidden
	var transient *errs.Transient

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &forbidden):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &transient):
		status = http.StatusServiceUnavailable
	default:
		log.Error().Err(err).Msg("handlers: unclassified error")
	}
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
