package graph

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

// RelationshipManager is the C3 edge manager for a single tenant.
type RelationshipManager struct {
	store  store.RelationshipStore
	tenant string
}

func NewRelationshipManager(s store.RelationshipStore, tenant string) *RelationshipManager {
	return &RelationshipManager{store: s, tenant: tenant}
}

// Create is idempotent on (source, target, kind): if an edge with that
// exact kind already exists it's returned unchanged. A different-kind
// edge between the same pair is allowed to coexist alongside it.
func (r *RelationshipManager) Create(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	if rel.Kind == "" {
		rel.Kind = models.RelRelatedTo
	}
	if rel.Weight == 0 {
		rel.Weight = 1.0
	}
	rel.Tenant = r.tenant

	if existing, err := r.store.FindRelationship(ctx, r.tenant, rel.Source, rel.Target, rel.Kind); err == nil {
		return existing, nil
	}

	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if err := r.store.CreateRelationship(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// CreateBulk creates each relationship independently; one failure doesn't
// abort the rest of the batch.
func (r *RelationshipManager) CreateBulk(ctx context.Context, rels []*models.Relationship) (created, failed int) {
	for _, rel := range rels {
		if _, err := r.Create(ctx, rel); err != nil {
			failed++
			continue
		}
		created++
	}
	return created, failed
}

func (r *RelationshipManager) GetForEntity(ctx context.Context, entityID string, dir models.Direction, kinds []models.RelationshipKind) ([]models.Relationship, error) {
	rels, err := r.store.ListRelationshipsForEntity(ctx, r.tenant, entityID, dir)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return rels, nil
	}
	allowed := make(map[models.RelationshipKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	var out []models.Relationship
	for _, rel := range rels {
		if allowed[rel.Kind] {
			out = append(out, rel)
		}
	}
	return out, nil
}

// RelatedEntity pairs a discovered entity with the edge that reached it.
type RelatedEntity struct {
	Entity models.Entity
	Via    models.Relationship
}

// GetRelatedEntities walks outgoing+incoming edges from entityID one hop
// (maxDepth is accepted for forward compatibility; the in-memory store
// only supports depth 1 today) and resolves the entity at the other end
// of each edge via entityGetter.
func (r *RelationshipManager) GetRelatedEntities(ctx context.Context, entityID string, kinds []models.RelationshipKind, maxDepth, limit int, entityGetter store.EntityStore) ([]RelatedEntity, error) {
	rels, err := r.GetForEntity(ctx, entityID, models.DirBoth, kinds)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	var out []RelatedEntity
	for _, rel := range rels {
		otherID := rel.Target
		if rel.Target == entityID {
			otherID = rel.Source
		}
		entity, err := entityGetter.GetEntity(ctx, r.tenant, otherID)
		if err != nil {
			continue
		}
		out = append(out, RelatedEntity{Entity: *entity, Via: rel})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *RelationshipManager) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := r.store.GetRelationship(ctx, r.tenant, id); err != nil {
		return false, nil
	}
	if err := r.store.DeleteRelationship(ctx, r.tenant, id); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RelationshipManager) DeleteForEntity(ctx context.Context, entityID string) (int, error) {
	before, err := r.store.ListRelationshipsForEntity(ctx, r.tenant, entityID, models.DirBoth)
	if err != nil {
		return 0, err
	}
	if err := r.store.DeleteRelationshipsForEntity(ctx, r.tenant, entityID); err != nil {
		return 0, err
	}
	return len(before), nil
}

func (r *RelationshipManager) ListAll(ctx context.Context, kinds []models.RelationshipKind) ([]models.Relationship, error) {
	rels, err := r.store.ListAllRelationships(ctx, r.tenant)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return rels, nil
	}
	allowed := make(map[models.RelationshipKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	var out []models.Relationship
	for _, rel := range rels {
		if allowed[rel.Kind] {
			out = append(out, rel)
		}
	}
	return out, nil
}

// Backfill ensures every task whose Properties carry a project_id has a
// BELONGS_TO edge to that project, repairing drift in either direction.
// Supplemented operation: not in the distilled spec, restored from the
// invariant that task.project_id and the BELONGS_TO edge must agree.
func (r *RelationshipManager) Backfill(ctx context.Context, tasks store.EntityStore) (int, error) {
	entities, err := tasks.ListEntitiesByKind(ctx, r.tenant, models.EntityTask, store.ListFilter{})
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, task := range entities {
		projectID := stringProp(task, "project_id")
		if projectID == "" {
			continue
		}
		if _, err := r.store.FindRelationship(ctx, r.tenant, task.ID, projectID, models.RelBelongsTo); err == nil {
			continue
		}
		rel := &models.Relationship{
			ID:     uuid.NewString(),
			Tenant: r.tenant,
			Source: task.ID,
			Target: projectID,
			Kind:   models.RelBelongsTo,
			Weight: 1.0,
		}
		if err := r.store.CreateRelationship(ctx, rel); err != nil {
			return repaired, fmt.Errorf("backfill task %s: %w", task.ID, err)
		}
		repaired++
	}
	return repaired, nil
}
