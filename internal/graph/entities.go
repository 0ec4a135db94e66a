// Package graph implements the tenant-scoped entity and relationship
// managers (C2/C3): property projection, sanitization, hybrid search with
// reciprocal-rank fusion, and the curated project/epic rollups.
package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sibylhq/sibyl/internal/errs"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

// maxEmbeddingInputChars bounds the text fed to the embedder for
// CreateDirect's name+description embedding, matching the extraction
// collaborator's own truncation behavior.
const maxEmbeddingInputChars = 2000

// Embedder generates a vector embedding for a single text. Satisfied by
// internal/embeddings drivers.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Extractor is the external collaborator Create's extraction path hands
// content to; it may discover related entities and edges as a side
// effect of reading free-form text. Failures are discarded —
// extraction is best-effort enrichment, not a precondition of the write.
type Extractor interface {
	Extract(ctx context.Context, tenant string, entity *models.Entity) error
}

// Manager is the entity manager for a single tenant. A new Manager is
// constructed per request/tenant rather than shared, mirroring how the
// original entity manager clones a per-org driver at construction time.
type Manager struct {
	store     store.EntityStore
	embedder  Embedder
	extractor Extractor
	tenant    string
}

func NewManager(s store.EntityStore, embedder Embedder, extractor Extractor, tenant string) (*Manager, error) {
	if tenant == "" {
		return nil, &errs.InvalidInput{Reason: "tenant is required"}
	}
	return &Manager{store: s, embedder: embedder, extractor: extractor, tenant: tenant}, nil
}

// Create is the extraction path: persists entity, then best-effort hands
// its content to the extraction collaborator, which may discover implicit
// related entities and edges. The stored node always carries the
// caller-supplied id even if extraction produced its own transient id.
func (m *Manager) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	if err := m.prepare(entity); err != nil {
		return nil, err
	}
	if err := m.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}
	if m.extractor != nil {
		if err := m.extractor.Extract(ctx, m.tenant, entity); err != nil {
			// Best effort: extraction enriches the graph but never gates the write.
			_ = err
		}
	}
	return entity, nil
}

// CreateDirect is the fast path: no extraction. If generateEmbedding is
// set, an embedding over "name. description" (truncated) is computed and
// stored; embedding failure never fails the create.
func (m *Manager) CreateDirect(ctx context.Context, entity *models.Entity, generateEmbedding bool) (*models.Entity, error) {
	if err := m.prepare(entity); err != nil {
		return nil, err
	}
	if generateEmbedding && m.embedder != nil {
		if vec, err := m.embedText(ctx, entity.Name, entity.Description); err == nil {
			entity.Embedding = vec
		}
	}
	if err := m.store.CreateEntity(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

func (m *Manager) embedText(ctx context.Context, name, description string) ([]float64, error) {
	text := name
	if description != "" {
		text = name + ". " + description
	}
	if len(text) > maxEmbeddingInputChars {
		text = text[:maxEmbeddingInputChars]
	}
	vecs, err := m.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vecs[0], nil
}

func (m *Manager) prepare(entity *models.Entity) error {
	if entity.ID == "" {
		return &errs.InvalidInput{Reason: "entity id is required"}
	}
	if entity.Kind == "" {
		entity.Kind = models.EntityTopic
	}
	entity.Tenant = m.tenant
	now := time.Now()
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = now
	}
	entity.UpdatedAt = now
	projectKnownFields(entity)
	if entity.Content != "" {
		if entity.Metadata == nil {
			entity.Metadata = make(map[string]interface{})
		}
		entity.Metadata["_indexed_content"] = sanitizeContent(entity.Content)
	}
	return nil
}

// Get tries a regular lookup; entities under a different tenant are
// indistinguishable from absent ones.
func (m *Manager) Get(ctx context.Context, id string) (*models.Entity, error) {
	return m.store.GetEntity(ctx, m.tenant, id)
}

// Update merges metadata, overwrites any known structured fields present
// in updates, and refreshes UpdatedAt. "embedding" is handled separately
// as a direct vector property and never leaks into metadata.
func (m *Manager) Update(ctx context.Context, id string, updates map[string]interface{}) (*models.Entity, error) {
	entity, err := m.store.GetEntity(ctx, m.tenant, id)
	if err != nil {
		return nil, err
	}

	if raw, ok := updates["embedding"]; ok {
		delete(updates, "embedding")
		switch v := raw.(type) {
		case []float64:
			entity.Embedding = v
		case nil:
			entity.Embedding = nil
		}
	}

	if entity.Properties == nil {
		entity.Properties = make(map[string]interface{})
	}
	if entity.Metadata == nil {
		entity.Metadata = make(map[string]interface{})
	}

	known := knownFieldsFor(entity.Kind)
	for k, v := range updates {
		switch k {
		case "name":
			if s, ok := v.(string); ok {
				entity.Name = s
			}
		case "description":
			if s, ok := v.(string); ok {
				entity.Description = s
			}
		case "content":
			if s, ok := v.(string); ok {
				entity.Content = s
			}
		default:
			if known[k] {
				entity.Properties[k] = v
			} else {
				entity.Metadata[k] = v
			}
		}
	}

	entity.UpdatedAt = time.Now()
	if err := m.store.UpdateEntity(ctx, entity); err != nil {
		return nil, err
	}
	return entity, nil
}

// Delete removes the entity; NotFound if it doesn't exist under this tenant.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if _, err := m.store.GetEntity(ctx, m.tenant, id); err != nil {
		return err
	}
	return m.store.DeleteEntity(ctx, m.tenant, id)
}

// Scored pairs an entity with its fused hybrid-search score.
type Scored struct {
	Entity models.Entity
	Score  float64
}

// Search sanitizes query, collects keyword-match candidates from the
// store, and scores each by its rank position (1/(rank+1), see
// fuseScores). No cosine score over Embedding is computed, so the
// ranking follows keyword order only.
func (m *Manager) Search(ctx context.Context, query string, kinds []models.EntityKind, limit int) ([]Scored, error) {
	safeQuery := SanitizeSearchQuery(query)

	// Over-fetch so the fused ranking has room to reorder before truncating.
	fetchLimit := limit * 4
	if fetchLimit < 20 {
		fetchLimit = 20
	}
	candidates, err := m.store.SearchEntities(ctx, m.tenant, safeQuery, kinds, fetchLimit)
	if err != nil {
		return nil, err
	}

	scored := fuseScores(candidates)
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if limit > 0 && limit < len(scored) {
		scored = scored[:limit]
	}
	return scored, nil
}

// fuseScores assigns each candidate a score. The in-memory store's
// SearchEntities already returns candidates in relevance order, so rank
// position stands in for a reranker score; the fallback
// 1.0 / (rank + 1) mirrors the original hybrid-search engine's behavior
// when node_reranker_scores omits an entry for a result row.
func fuseScores(candidates []models.Entity) []Scored {
	out := make([]Scored, len(candidates))
	for i, e := range candidates {
		out[i] = Scored{Entity: e, Score: 1.0 / float64(i+1)}
	}
	return out
}

// ListFilters narrows ListByType. Every filter is applied in memory after
// the fetch and reads the entity's Properties.
type ListFilters struct {
	EpicID          string
	Status          string
	Priority        string
	Tags            []string
	IncludeArchived bool
}

func (m *Manager) ListByType(ctx context.Context, kind models.EntityKind, limit, offset int, filters ListFilters) ([]models.Entity, error) {
	entities, err := m.store.ListEntitiesByKind(ctx, m.tenant, kind, store.ListFilter{})
	if err != nil {
		return nil, err
	}

	var out []models.Entity
	for _, e := range entities {
		if !filters.IncludeArchived && stringProp(e, "status") == string(models.TaskArchived) {
			continue
		}
		if filters.EpicID != "" && stringProp(e, "epic_id") != filters.EpicID {
			continue
		}
		if filters.Status != "" && stringProp(e, "status") != filters.Status {
			continue
		}
		if filters.Priority != "" && stringProp(e, "priority") != filters.Priority {
			continue
		}
		if len(filters.Tags) > 0 && !hasAnyTag(e, filters.Tags) {
			continue
		}
		out = append(out, e)
	}
	return paginateEntities(out, offset, limit), nil
}

func (m *Manager) ListAll(ctx context.Context, limit, offset int, includeArchived bool) ([]models.Entity, error) {
	entities, err := m.store.ListAllEntities(ctx, m.tenant, store.ListFilter{})
	if err != nil {
		return nil, err
	}
	if includeArchived {
		return paginateEntities(entities, offset, limit), nil
	}
	var out []models.Entity
	for _, e := range entities {
		if stringProp(e, "status") != string(models.TaskArchived) {
			out = append(out, e)
		}
	}
	return paginateEntities(out, offset, limit), nil
}

func (m *Manager) BulkCreateDirect(ctx context.Context, entities []*models.Entity, batchSize int) (created, failed int) {
	if batchSize <= 0 {
		batchSize = len(entities)
	}
	for _, e := range entities {
		if _, err := m.CreateDirect(ctx, e, false); err != nil {
			failed++
			continue
		}
		created++
	}
	return created, failed
}

func paginateEntities(es []models.Entity, offset, limit int) []models.Entity {
	if offset > 0 {
		if offset >= len(es) {
			return nil
		}
		es = es[offset:]
	}
	if limit > 0 && limit < len(es) {
		es = es[:limit]
	}
	return es
}

func stringProp(e models.Entity, key string) string {
	if e.Properties == nil {
		return ""
	}
	if s, ok := e.Properties[key].(string); ok {
		return s
	}
	return ""
}

func hasAnyTag(e models.Entity, want []string) bool {
	tags, _ := e.Properties["tags"].([]string)
	for _, t := range tags {
		for _, w := range want {
			if strings.EqualFold(t, w) {
				return true
			}
		}
	}
	return false
}

// ── Kind-specific property projection ───────────────────────────

var taskFields = []string{"status", "priority", "project_id", "epic_id", "assignees", "technologies", "feature", "domain", "due_date", "estimated_hours", "branch_name", "pr_url"}
var projectFieldsList = []string{"status", "tech_stack", "repository_url"}
var epicFields = []string{"status", "priority", "project_id", "assignees", "target_date", "learnings"}
var noteFields = []string{"task_id", "author_type", "author_name"}
var agentFields = []string{"agent_type", "spawn_source", "status", "project_id", "task_id", "worktree_path", "worktree_branch", "started_at", "last_heartbeat"}
var approvalFieldsList = []string{"project_id", "agent_id", "task_id", "approval_type", "status", "priority", "title", "summary", "response_by", "responded_at", "response_message"}
var checkpointFields = []string{"agent_id", "session_id", "conversation_history", "current_step"}
var sourceFields = []string{"url", "include_patterns", "exclude_patterns", "max_depth", "crawl_status", "last_crawled_at", "document_count", "chunk_count", "last_error"}
var documentFields = []string{"source_id", "url", "content_hash", "headings", "links", "code_languages"}
var chunkFields = []string{"document_id", "source_id", "index"}

func knownFieldsFor(kind models.EntityKind) map[string]bool {
	var fields []string
	switch kind {
	case models.EntityTask:
		fields = taskFields
	case models.EntityProject:
		fields = projectFieldsList
	case models.EntityEpic:
		fields = epicFields
	case models.EntityNote:
		fields = noteFields
	case models.EntityAgent:
		fields = agentFields
	case models.EntityApproval:
		fields = approvalFieldsList
	case models.EntityCheckpoint:
		fields = checkpointFields
	case models.EntitySource:
		fields = sourceFields
	case models.EntityDocument:
		fields = documentFields
	case models.EntityChunk:
		fields = chunkFields
	default:
		return map[string]bool{}
	}
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

// projectKnownFields moves any key in entity.Metadata that's a known
// structured field for entity.Kind into entity.Properties, so a caller
// that populated Metadata directly (e.g. from a JSON request body) still
// gets correct projection on create.
func projectKnownFields(entity *models.Entity) {
	known := knownFieldsFor(entity.Kind)
	if len(known) == 0 || len(entity.Metadata) == 0 {
		return
	}
	if entity.Properties == nil {
		entity.Properties = make(map[string]interface{})
	}
	for k := range known {
		if v, ok := entity.Metadata[k]; ok {
			entity.Properties[k] = v
			delete(entity.Metadata, k)
		}
	}
}
