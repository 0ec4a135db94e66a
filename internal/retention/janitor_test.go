package retention_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/internal/retention"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("SIBYL_DATA_DIR", dir)
	defer os.Unsetenv("SIBYL_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func newCheckpoint(t *testing.T, mgr *graph.Manager, id, agentID string, age time.Duration) {
	t.Helper()
	entity := &models.Entity{
		ID:        id,
		Kind:      models.EntityCheckpoint,
		Name:      id,
		CreatedAt: time.Now().Add(-age),
		Properties: map[string]interface{}{
			"agent_id": agentID,
		},
	}
	if _, err := mgr.CreateDirect(context.Background(), entity, false); err != nil {
		t.Fatalf("CreateDirect(checkpoint) error = %v", err)
	}
}

func TestJanitor_Sweep_PurgesExcessCheckpoints(t *testing.T) {
	st := newTestStore(t)
	entities, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	rels := graph.NewRelationshipManager(st, "acme")

	for i := 0; i < 3; i++ {
		newCheckpoint(t, entities, "checkpoint_"+string(rune('a'+i)), "agent_1", time.Duration(i)*time.Hour)
	}

	j := retention.NewJanitor(entities, rels, "acme", retention.WithCheckpointRetention(1))
	stats := j.Sweep(context.Background())

	if stats.CheckpointsPurged != 2 {
		t.Errorf("CheckpointsPurged = %d, want 2", stats.CheckpointsPurged)
	}

	remaining, err := entities.ListByType(context.Background(), models.EntityCheckpoint, 0, 0, graph.ListFilters{})
	if err != nil {
		t.Fatalf("ListByType() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("len(remaining) = %d, want 1", len(remaining))
	}
	if remaining[0].ID != "checkpoint_a" {
		t.Errorf("kept checkpoint = %s, want checkpoint_a (most recent)", remaining[0].ID)
	}
}

func TestJanitor_Sweep_PurgesSupersededDocumentRevisions(t *testing.T) {
	st := newTestStore(t)
	entities, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	rels := graph.NewRelationshipManager(st, "acme")

	older := &models.Entity{
		ID:        "document_old",
		Kind:      models.EntityDocument,
		Name:      "https://docs.example.com/guide",
		CreatedAt: time.Now().Add(-2 * time.Hour),
		Properties: map[string]interface{}{
			"source_id": "source_1",
			"url":       "https://docs.example.com/guide",
		},
	}
	newer := &models.Entity{
		ID:        "document_new",
		Kind:      models.EntityDocument,
		Name:      "https://docs.example.com/guide",
		CreatedAt: time.Now(),
		Properties: map[string]interface{}{
			"source_id": "source_1",
			"url":       "https://docs.example.com/guide",
		},
	}
	if _, err := entities.CreateDirect(context.Background(), older, false); err != nil {
		t.Fatalf("CreateDirect(older) error = %v", err)
	}
	if _, err := entities.CreateDirect(context.Background(), newer, false); err != nil {
		t.Fatalf("CreateDirect(newer) error = %v", err)
	}

	chunk := &models.Entity{
		ID:   "chunk_old_0",
		Kind: models.EntityChunk,
		Name: "https://docs.example.com/guide#0",
		Properties: map[string]interface{}{
			"document_id": "document_old",
		},
	}
	if _, err := entities.CreateDirect(context.Background(), chunk, false); err != nil {
		t.Fatalf("CreateDirect(chunk) error = %v", err)
	}
	if _, err := rels.Create(context.Background(), &models.Relationship{Source: "chunk_old_0", Target: "document_old", Kind: models.RelPartOf}); err != nil {
		t.Fatalf("Create(relationship) error = %v", err)
	}

	j := retention.NewJanitor(entities, rels, "acme")
	stats := j.Sweep(context.Background())

	if stats.DocumentsPurged != 1 {
		t.Errorf("DocumentsPurged = %d, want 1", stats.DocumentsPurged)
	}
	if stats.ChunksPurged != 1 {
		t.Errorf("ChunksPurged = %d, want 1", stats.ChunksPurged)
	}

	if _, err := entities.Get(context.Background(), "document_old"); err == nil {
		t.Error("expected document_old to be purged")
	}
	if _, err := entities.Get(context.Background(), "document_new"); err != nil {
		t.Errorf("expected document_new to survive, Get() error = %v", err)
	}
}
