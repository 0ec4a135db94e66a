package approvals_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sibylhq/sibyl/internal/approvals"
	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/pkg/models"
)

type fakeApprovalStore struct {
	mu       sync.Mutex
	entities map[string]*models.Entity
	fields   map[string]models.ApprovalFields
}

func newFakeApprovalStore() *fakeApprovalStore {
	return &fakeApprovalStore{
		entities: make(map[string]*models.Entity),
		fields:   make(map[string]models.ApprovalFields),
	}
}

func (f *fakeApprovalStore) CreateApprovalEntity(_ context.Context, entity *models.Entity, fields models.ApprovalFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[entity.ID] = entity
	f.fields[entity.ID] = fields
	return nil
}

func (f *fakeApprovalStore) GetApprovalEntity(_ context.Context, _, id string) (*models.Entity, models.ApprovalFields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, models.ApprovalFields{}, errNotFound{id}
	}
	return e, f.fields[id], nil
}

func (f *fakeApprovalStore) UpdateApprovalFields(_ context.Context, _, id string, fields models.ApprovalFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields[id] = fields
	return nil
}

func (f *fakeApprovalStore) ListPendingApprovals(_ context.Context, _, agentID string) ([]models.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Entity
	for id, fl := range f.fields {
		if fl.AgentID == agentID && !fl.Status.IsTerminal() {
			out = append(out, *f.entities[id])
		}
	}
	return out, nil
}

type errNotFound struct{ id string }

func (e errNotFound) Error() string { return "approval not found: " + e.id }

type fakeAppender struct{}

func (fakeAppender) AppendMessage(context.Context, *models.Message) error { return nil }

func TestEvaluate_NonMatchingCallPassesThrough(t *testing.T) {
	st := newFakeApprovalStore()
	b := bus.New(fakeAppender{})
	svc := approvals.New(st, b, "acme", []approvals.Matcher{
		&approvals.DestructiveCommandMatcher{BashToolName: "Bash"},
	})

	d, err := svc.Evaluate(context.Background(), approvals.ToolCall{Name: "Bash", Input: map[string]interface{}{"command": "ls"}})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if d.Gated {
		t.Fatalf("Evaluate() = %+v, want not gated", d)
	}
}

func TestEvaluate_GatedCallBlocksUntilRespond(t *testing.T) {
	st := newFakeApprovalStore()
	b := bus.New(fakeAppender{})
	svc := approvals.New(st, b, "acme", []approvals.Matcher{
		&approvals.DestructiveCommandMatcher{BashToolName: "Bash"},
	}, approvals.WithTimeouts(time.Second, time.Second))

	resultCh := make(chan approvals.Decision, 1)
	go func() {
		d, err := svc.Evaluate(context.Background(), approvals.ToolCall{
			AgentID: "agent-1",
			Name:    "Bash",
			Input:   map[string]interface{}{"command": "rm -rf /"},
		})
		if err != nil {
			t.Errorf("Evaluate() error = %v", err)
		}
		resultCh <- d
	}()

	var id string
	for i := 0; i < 100; i++ {
		pending, _ := st.ListPendingApprovals(context.Background(), "acme", "agent-1")
		if len(pending) == 1 {
			id = pending[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("approval never became visible via ListPendingApprovals")
	}

	if err := svc.Respond(context.Background(), id, true, "alice", "looks fine"); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	select {
	case d := <-resultCh:
		if !d.Gated || !d.Approved || d.ApprovalID != id {
			t.Fatalf("Decision = %+v, want Gated=true Approved=true ApprovalID=%s", d, id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for gated Evaluate() to return")
	}
}

func TestEvaluate_TimesOutWhenNeverRespondedTo(t *testing.T) {
	st := newFakeApprovalStore()
	b := bus.New(fakeAppender{})
	svc := approvals.New(st, b, "acme", []approvals.Matcher{
		&approvals.DestructiveCommandMatcher{BashToolName: "Bash"},
	}, approvals.WithTimeouts(20*time.Millisecond, 20*time.Millisecond))

	d, err := svc.Evaluate(context.Background(), approvals.ToolCall{
		AgentID: "agent-2",
		Name:    "Bash",
		Input:   map[string]interface{}{"command": "rm -rf /"},
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !d.Gated || d.Approved {
		t.Fatalf("Decision = %+v, want Gated=true Approved=false on timeout", d)
	}
}

func TestCancelAll_DeniesEveryPendingApprovalForAgent(t *testing.T) {
	st := newFakeApprovalStore()
	b := bus.New(fakeAppender{})
	svc := approvals.New(st, b, "acme", []approvals.Matcher{
		&approvals.DestructiveCommandMatcher{BashToolName: "Bash"},
	}, approvals.WithTimeouts(time.Second, time.Second))

	resultCh := make(chan approvals.Decision, 1)
	go func() {
		d, _ := svc.Evaluate(context.Background(), approvals.ToolCall{
			AgentID: "agent-3",
			Name:    "Bash",
			Input:   map[string]interface{}{"command": "rm -rf /"},
		})
		resultCh <- d
	}()

	for i := 0; i < 100; i++ {
		pending, _ := st.ListPendingApprovals(context.Background(), "acme", "agent-3")
		if len(pending) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := svc.CancelAll(context.Background(), "agent-3"); err != nil {
		t.Fatalf("CancelAll() error = %v", err)
	}

	select {
	case d := <-resultCh:
		if !d.Gated || d.Approved {
			t.Fatalf("Decision = %+v, want Gated=true Approved=false after cancel", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancelled Evaluate() to return")
	}
}
