package graph_test

import (
	"context"
	"testing"

	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/pkg/models"
)

func TestRelationshipCreate_IdempotentOnSameKind(t *testing.T) {
	s := newTestStore(t)
	rels := graph.NewRelationshipManager(s, "acme")
	ctx := context.Background()

	rel := &models.Relationship{Source: "task-1", Target: "project-1", Kind: models.RelBelongsTo}
	first, err := rels.Create(ctx, rel)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	second, err := rels.Create(ctx, &models.Relationship{Source: "task-1", Target: "project-1", Kind: models.RelBelongsTo})
	if err != nil {
		t.Fatalf("Create() (again) error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("Create() not idempotent: got id %q, want %q", second.ID, first.ID)
	}
}

func TestRelationshipCreate_DifferentKindCoexists(t *testing.T) {
	s := newTestStore(t)
	rels := graph.NewRelationshipManager(s, "acme")
	ctx := context.Background()

	if _, err := rels.Create(ctx, &models.Relationship{Source: "task-1", Target: "project-1", Kind: models.RelBelongsTo}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := rels.Create(ctx, &models.Relationship{Source: "task-1", Target: "project-1", Kind: models.RelReferences}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	all, err := rels.ListAll(ctx, nil)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll() len = %d, want 2", len(all))
	}
}

func TestRelationshipBackfill_RepairsMissingBelongsTo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mgr, _ := graph.NewManager(s, nil, nil, "acme")
	rels := graph.NewRelationshipManager(s, "acme")

	task := &models.Entity{ID: "task-1", Kind: models.EntityTask, Properties: map[string]interface{}{"project_id": "project-1"}}
	if _, err := mgr.CreateDirect(ctx, task, false); err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}

	repaired, err := rels.Backfill(ctx, s)
	if err != nil {
		t.Fatalf("Backfill() error = %v", err)
	}
	if repaired != 1 {
		t.Fatalf("Backfill() repaired = %d, want 1", repaired)
	}

	found, err := s.FindRelationship(ctx, "acme", "task-1", "project-1", models.RelBelongsTo)
	if err != nil {
		t.Fatalf("FindRelationship() after backfill error = %v", err)
	}
	if found.Source != "task-1" {
		t.Errorf("FindRelationship().Source = %q, want task-1", found.Source)
	}
}

func TestDeleteForEntity_CascadesAllIncidentEdges(t *testing.T) {
	s := newTestStore(t)
	rels := graph.NewRelationshipManager(s, "acme")
	ctx := context.Background()

	rels.Create(ctx, &models.Relationship{Source: "task-1", Target: "project-1", Kind: models.RelBelongsTo})
	rels.Create(ctx, &models.Relationship{Source: "project-1", Target: "task-1", Kind: models.RelReferences})

	count, err := rels.DeleteForEntity(ctx, "task-1")
	if err != nil {
		t.Fatalf("DeleteForEntity() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("DeleteForEntity() count = %d, want 2", count)
	}

	remaining, err := rels.ListAll(ctx, nil)
	if err != nil {
		t.Fatalf("ListAll() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("ListAll() after cascade = %+v, want empty", remaining)
	}
}
