package agentrunner_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sibylhq/sibyl/internal/agentrunner"
	"github.com/sibylhq/sibyl/internal/approvals"
	"github.com/sibylhq/sibyl/internal/bus"
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

// fakeHandle is a scripted Handle: the test feeds it a fixed sequence of
// raw messages and records approval decisions it receives.
type fakeHandle struct {
	out       chan agentrunner.RawMessage
	sessionID string
	approved  []string
}

func (h *fakeHandle) Messages() <-chan agentrunner.RawMessage { return h.out }
func (h *fakeHandle) SessionID() string                       { return h.sessionID }
func (h *fakeHandle) Approve(_ context.Context, toolID string, approved bool, _ string) error {
	if approved {
		h.approved = append(h.approved, toolID)
	}
	return nil
}
func (h *fakeHandle) Close() error { return nil }

type scriptedExecutor struct {
	handle *fakeHandle
}

func (e *scriptedExecutor) Start(context.Context, agentrunner.RunSpec) (agentrunner.Handle, agentrunner.ProcessInfo, error) {
	return e.handle, agentrunner.ProcessInfo{PID: 1, Started: time.Now()}, nil
}

func feed(h *fakeHandle, msgs ...agentrunner.RawMessage) {
	go func() {
		for _, m := range msgs {
			h.out <- m
		}
		close(h.out)
	}()
}

func TestRunner_Spawn_HappyPathCompletesAndCheckpoints(t *testing.T) {
	st := newTestStore(t)
	mgr, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	b := bus.New(st)
	svc := approvals.New(st, b, "acme", nil)
	handle := &fakeHandle{out: make(chan agentrunner.RawMessage, 8)}
	executor := &scriptedExecutor{handle: handle}

	r := agentrunner.New(mgr, b, svc, executor, nil, "acme")

	feed(handle,
		agentrunner.RawMessage{Role: "assistant", Blocks: []agentrunner.Block{{Type: "text", Text: "Looking into it."}}},
		agentrunner.RawMessage{IsResult: true, SessionID: "sess_1", CostUSD: 0.01, Usage: &agentrunner.Usage{InputTokens: 10, OutputTokens: 5}},
	)

	if err := r.Spawn(context.Background(), "agent_1", "do the thing", "claude-code", "proj_1", "task_1"); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	entity, err := mgr.Get(context.Background(), "agent_1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status, _ := entity.Properties["status"].(models.AgentStatus); status != models.AgentCompleted {
		t.Errorf("agent status = %v, want %v", status, models.AgentCompleted)
	}
	if sid, _ := entity.Properties["session_id"].(string); sid != "sess_1" {
		t.Errorf("agent session_id = %q, want sess_1", sid)
	}

	checkpoints, err := mgr.ListByType(context.Background(), models.EntityCheckpoint, 0, 0, graph.ListFilters{})
	if err != nil {
		t.Fatalf("ListByType(checkpoint) error = %v", err)
	}
	if len(checkpoints) != 1 {
		t.Fatalf("len(checkpoints) = %d, want 1", len(checkpoints))
	}
	if step, _ := checkpoints[0].Properties["current_step"].(string); step != "completed" {
		t.Errorf("checkpoint current_step = %q, want completed", step)
	}
}

func TestRunner_GatedToolCall_BlocksUntilApprovedThenProceeds(t *testing.T) {
	st := newTestStore(t)
	mgr, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	b := bus.New(st)
	destructive := &approvals.DestructiveCommandMatcher{BashToolName: "bash"}
	svc := approvals.New(st, b, "acme", []approvals.Matcher{destructive}, approvals.WithTimeouts(2*time.Second, 2*time.Second))
	handle := &fakeHandle{out: make(chan agentrunner.RawMessage, 8)}
	executor := &scriptedExecutor{handle: handle}

	r := agentrunner.New(mgr, b, svc, executor, nil, "acme")

	feed(handle,
		agentrunner.RawMessage{Role: "assistant", Blocks: []agentrunner.Block{{
			Type: "tool_use", ToolName: "bash", ToolID: "tool_1",
			Input: map[string]interface{}{"command": "rm -rf /tmp/data"},
		}}},
		agentrunner.RawMessage{IsResult: true, SessionID: "sess_2"},
	)

	// Respond to the approval shortly after it's created, racing the run.
	go func() {
		for i := 0; i < 50; i++ {
			time.Sleep(10 * time.Millisecond)
			pending, _ := st.ListPendingApprovals(context.Background(), "acme", "agent_2")
			if len(pending) > 0 {
				_ = svc.Respond(context.Background(), pending[0].ID, true, "alice", "go ahead")
				return
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- r.Spawn(context.Background(), "agent_2", "clean up", "claude-code", "", "") }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Spawn() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run never completed")
	}

	if len(handle.approved) != 1 || handle.approved[0] != "tool_1" {
		t.Errorf("approved = %v, want [tool_1]", handle.approved)
	}
}

func TestRunner_RuntimeFailure_MarksAgentFailed(t *testing.T) {
	st := newTestStore(t)
	mgr, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	b := bus.New(st)
	svc := approvals.New(st, b, "acme", nil)
	handle := &fakeHandle{out: make(chan agentrunner.RawMessage)}
	close(handle.out) // runtime exits immediately without a terminal result
	executor := &scriptedExecutor{handle: handle}

	r := agentrunner.New(mgr, b, svc, executor, nil, "acme")

	if err := r.Spawn(context.Background(), "agent_3", "do something", "claude-code", "", ""); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	entity, err := mgr.Get(context.Background(), "agent_3")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status, _ := entity.Properties["status"].(models.AgentStatus); status != models.AgentFailed {
		t.Errorf("agent status = %v, want %v", status, models.AgentFailed)
	}
}
