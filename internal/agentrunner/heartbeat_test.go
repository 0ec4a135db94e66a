package agentrunner_test

import (
	"context"
	"testing"
	"time"

	"github.com/sibylhq/sibyl/internal/agentrunner"
	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/pkg/models"
)

func TestHeartbeatMonitor_StaleAgentMarkedFailed(t *testing.T) {
	st := newTestStore(t)
	mgr, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	b := bus.New(st)

	entity := &models.Entity{ID: "agent_hb", Kind: models.EntityAgent, Tenant: "acme", Name: "agent_hb"}
	if _, err := mgr.CreateDirect(context.Background(), entity, false); err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}
	if _, err := mgr.Update(context.Background(), "agent_hb", map[string]interface{}{"status": models.AgentWorking}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	hb := agentrunner.NewHeartbeatMonitor(mgr, b, "acme",
		agentrunner.WithHeartbeatInterval(10*time.Millisecond),
		agentrunner.WithHeartbeatTimeout(10*time.Millisecond))
	hb.Track("agent_hb")
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Start(ctx)
	defer hb.Stop()

	events := b.Subscribe("acme")
	defer b.Unsubscribe("acme", events)

	select {
	case ev := <-events:
		if ev.Name != models.EventAgentStatus {
			t.Fatalf("event name = %v, want %v", ev.Name, models.EventAgentStatus)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat monitor never fired a failure event")
	}

	entity2, err := mgr.Get(context.Background(), "agent_hb")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status, _ := entity2.Properties["status"].(models.AgentStatus); status != models.AgentFailed {
		t.Errorf("agent status = %v, want %v", status, models.AgentFailed)
	}
}

func TestHeartbeatMonitor_TouchKeepsAgentAlive(t *testing.T) {
	st := newTestStore(t)
	mgr, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	b := bus.New(st)

	entity := &models.Entity{ID: "agent_alive", Kind: models.EntityAgent, Tenant: "acme", Name: "agent_alive"}
	if _, err := mgr.CreateDirect(context.Background(), entity, false); err != nil {
		t.Fatalf("CreateDirect() error = %v", err)
	}

	hb := agentrunner.NewHeartbeatMonitor(mgr, b, "acme",
		agentrunner.WithHeartbeatInterval(10*time.Millisecond),
		agentrunner.WithHeartbeatTimeout(60*time.Millisecond))
	hb.Track("agent_alive")

	ctx, cancel := context.WithCancel(context.Background())
	go hb.Start(ctx)

	stop := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case <-stop:
			break loop
		default:
			hb.Touch("agent_alive")
			time.Sleep(10 * time.Millisecond)
		}
	}
	cancel()
	hb.Stop()

	entity2, err := mgr.Get(context.Background(), "agent_alive")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status, ok := entity2.Properties["status"].(models.AgentStatus); ok && status == models.AgentFailed {
		t.Errorf("agent was marked failed despite being touched")
	}
}
