package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sibylhq/sibyl/internal/errs"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

// newTestStore creates a fresh in-memory store whose snapshot persistence
// writes into a per-test temp directory.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("SIBYL_DATA_DIR", dir)
	defer os.Unsetenv("SIBYL_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &models.Entity{ID: "task-1", Kind: models.EntityTask, Tenant: "acme", Name: "write docs"}
	if err := s.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	got, err := s.GetEntity(ctx, "acme", "task-1")
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if got.Name != "write docs" {
		t.Errorf("GetEntity().Name = %q, want %q", got.Name, "write docs")
	}
}

func TestGetEntity_WrongTenantNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &models.Entity{ID: "task-1", Kind: models.EntityTask, Tenant: "acme", Name: "write docs"}
	if err := s.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	_, err := s.GetEntity(ctx, "other-tenant", "task-1")
	var nf *errs.NotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetEntity() across tenants error = %v, want *errs.NotFound", err)
	}
}

func TestCreateEntity_DuplicateConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &models.Entity{ID: "task-1", Kind: models.EntityTask, Tenant: "acme"}
	if err := s.CreateEntity(ctx, e); err != nil {
		t.Fatalf("first CreateEntity() error = %v", err)
	}

	var conflict *errs.Conflict
	if err := s.CreateEntity(ctx, e); !errors.As(err, &conflict) {
		t.Fatalf("second CreateEntity() error = %v, want *errs.Conflict", err)
	}
}

func TestAppendMessage_AssignsSequentialNums(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := &models.Message{Tenant: "acme", AgentID: "agent-1", Role: models.RoleAgent, Type: models.MsgText, Content: "hi"}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		if msg.MessageNum != i+1 {
			t.Errorf("AppendMessage() #%d MessageNum = %d, want %d", i, msg.MessageNum, i+1)
		}
	}

	msgs, err := s.ListMessages(ctx, "acme", "agent-1", 1)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("ListMessages(since=1) len = %d, want 2", len(msgs))
	}
}

func TestFindRelationship_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rel := &models.Relationship{ID: "rel-1", Tenant: "acme", Source: "task-1", Target: "project-1", Kind: models.RelBelongsTo}
	if err := s.CreateRelationship(ctx, rel); err != nil {
		t.Fatalf("CreateRelationship() error = %v", err)
	}

	got, err := s.FindRelationship(ctx, "acme", "task-1", "project-1", models.RelBelongsTo)
	if err != nil {
		t.Fatalf("FindRelationship() error = %v", err)
	}
	if got.ID != "rel-1" {
		t.Errorf("FindRelationship().ID = %q, want %q", got.ID, "rel-1")
	}
}

func TestSearchVectorDocs_OrdersByCosineSimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []models.VectorDoc{
		{ID: "a", Namespace: "ns", Content: "close", Embedding: []float64{1, 0}},
		{ID: "b", Namespace: "ns", Content: "far", Embedding: []float64{0, 1}},
	}
	if err := s.UpsertVectorDocs(ctx, "acme", docs); err != nil {
		t.Fatalf("UpsertVectorDocs() error = %v", err)
	}

	results, err := s.SearchVectorDocs(ctx, "acme", []float64{1, 0}, 2, "ns")
	if err != nil {
		t.Fatalf("SearchVectorDocs() error = %v", err)
	}
	if len(results) != 2 || results[0].ID != "a" {
		t.Fatalf("SearchVectorDocs() = %+v, want [a, b] in that order", results)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("SearchVectorDocs() not sorted descending: %+v", results)
	}
}

func TestSnapshotPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("SIBYL_DATA_DIR", dir)
	defer os.Unsetenv("SIBYL_DATA_DIR")

	s1 := store.NewMemoryStore()
	ctx := context.Background()
	e := &models.Entity{ID: "task-1", Kind: models.EntityTask, Tenant: "acme", Name: "persisted"}
	if err := s1.CreateEntity(ctx, e); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	s1.Close() // forces a final synchronous snapshot write

	s2 := store.NewMemoryStore()
	defer s2.Close()
	got, err := s2.GetEntity(ctx, "acme", "task-1")
	if err != nil {
		t.Fatalf("GetEntity() after restart error = %v", err)
	}
	if got.Name != "persisted" {
		t.Errorf("GetEntity().Name = %q, want %q", got.Name, "persisted")
	}
}

func TestListPendingApprovals_FiltersByAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id, agent string) {
		e := &models.Entity{ID: id, Kind: models.EntityApproval, Tenant: "acme"}
		fields := models.ApprovalFields{AgentID: agent, Status: models.ApprovalPending, ExpiresAt: time.Now().Add(time.Hour)}
		if err := s.CreateApprovalEntity(ctx, e, fields); err != nil {
			t.Fatalf("CreateApprovalEntity() error = %v", err)
		}
	}
	mk("approval_a", "agent-1")
	mk("approval_b", "agent-2")

	got, err := s.ListPendingApprovals(ctx, "acme", "agent-1")
	if err != nil {
		t.Fatalf("ListPendingApprovals() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "approval_a" {
		t.Fatalf("ListPendingApprovals(agent-1) = %+v, want [approval_a]", got)
	}
}
