package graph_test

import (
	"context"
	"os"
	"testing"

	"github.com/sibylhq/sibyl/internal/graph"
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

type fakeEmbedder struct{ dims int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = make([]float64, f.dims)
		out[i][0] = 1
	}
	return out, nil
}

func TestCreateDirect_GeneratesEmbeddingWhenRequested(t *testing.T) {
	s := newTestStore(t)
	mgr, err := graph.NewManager(s, &fakeEmbedder{dims: 4}, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	entity := &models.Entity{ID: "task-1", Kind: models.EntityTask, Name: "ship it"}
	got, err := mgr.CreateDirect(context.Background(), entity, true)
	if err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}
	if len(got.Embedding) != 4 {
		t.Fatalf("CreateDirect() Embedding len = %d, want 4", len(got.Embedding))
	}
}

func TestCreateDirect_NoEmbeddingWithoutFlag(t *testing.T) {
	s := newTestStore(t)
	mgr, _ := graph.NewManager(s, &fakeEmbedder{dims: 4}, nil, "acme")

	entity := &models.Entity{ID: "task-1", Kind: models.EntityTask, Name: "ship it"}
	got, err := mgr.CreateDirect(context.Background(), entity, false)
	if err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}
	if got.Embedding != nil {
		t.Errorf("CreateDirect() Embedding = %v, want nil", got.Embedding)
	}
}

func TestUpdate_ProjectsKnownFieldsAndPreservesUnknown(t *testing.T) {
	s := newTestStore(t)
	mgr, _ := graph.NewManager(s, nil, nil, "acme")
	ctx := context.Background()

	entity := &models.Entity{ID: "task-1", Kind: models.EntityTask, Name: "ship it"}
	if _, err := mgr.CreateDirect(ctx, entity, false); err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}

	updated, err := mgr.Update(ctx, "task-1", map[string]interface{}{
		"status":       "doing",
		"custom_field": "anything",
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Properties["status"] != "doing" {
		t.Errorf("Update() Properties[status] = %v, want doing", updated.Properties["status"])
	}
	if updated.Metadata["custom_field"] != "anything" {
		t.Errorf("Update() Metadata[custom_field] = %v, want anything", updated.Metadata["custom_field"])
	}
}

func TestUpdate_EmbeddingNeverLeaksIntoMetadata(t *testing.T) {
	s := newTestStore(t)
	mgr, _ := graph.NewManager(s, nil, nil, "acme")
	ctx := context.Background()

	entity := &models.Entity{ID: "task-1", Kind: models.EntityTask, Name: "ship it"}
	if _, err := mgr.CreateDirect(ctx, entity, false); err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}

	updated, err := mgr.Update(ctx, "task-1", map[string]interface{}{"embedding": []float64{0.1, 0.2}})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if len(updated.Embedding) != 2 {
		t.Fatalf("Update() Embedding = %v, want len 2", updated.Embedding)
	}
	if _, ok := updated.Metadata["embedding"]; ok {
		t.Error("Update() leaked embedding into Metadata")
	}
}

func TestSearch_SanitizesQueryAndFusesScores(t *testing.T) {
	s := newTestStore(t)
	mgr, _ := graph.NewManager(s, nil, nil, "acme")
	ctx := context.Background()

	for _, name := range []string{"deploy pipeline", "deploy rollback", "unrelated note"} {
		e := &models.Entity{ID: name, Kind: models.EntityTask, Name: name}
		if _, err := mgr.CreateDirect(ctx, e, false); err != nil {
			t.Fatalf("CreateDirect(%q) error = %v", name, err)
		}
	}

	results, err := mgr.Search(ctx, "deploy", nil, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search() len = %d, want 2", len(results))
	}
	if results[0].Score < results[1].Score {
		t.Errorf("Search() not sorted descending by fused score: %+v", results)
	}
}

func TestGet_WrongTenantIsNotFound(t *testing.T) {
	s := newTestStore(t)
	acme, _ := graph.NewManager(s, nil, nil, "acme")
	other, _ := graph.NewManager(s, nil, nil, "other-tenant")
	ctx := context.Background()

	if _, err := acme.CreateDirect(ctx, &models.Entity{ID: "task-1", Kind: models.EntityTask}, false); err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}

	if _, err := other.Get(ctx, "task-1"); err == nil {
		t.Fatal("Get() across tenants succeeded, want NotFound")
	}
}
