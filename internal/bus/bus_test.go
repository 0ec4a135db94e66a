package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/pkg/models"
)

type fakeAppender struct {
	mu   sync.Mutex
	msgs []*models.Message
}

func (f *fakeAppender) AppendMessage(_ context.Context, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.MessageNum = len(f.msgs) + 1
	f.msgs = append(f.msgs, msg)
	return nil
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	b := bus.New(&fakeAppender{})
	ch := b.Subscribe("acme")
	defer b.Unsubscribe("acme", ch)

	b.Publish(context.Background(), "acme", models.Event{Name: models.EventEntityCreated, Data: "task-1"})

	select {
	case ev := <-ch:
		if ev.Name != models.EventEntityCreated {
			t.Errorf("event.Name = %q, want %q", ev.Name, models.EventEntityCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublish_OtherTenantDoesNotReceive(t *testing.T) {
	b := bus.New(&fakeAppender{})
	ch := b.Subscribe("acme")
	defer b.Unsubscribe("acme", ch)

	b.Publish(context.Background(), "other-tenant", models.Event{Name: models.EventEntityCreated})

	select {
	case ev := <-ch:
		t.Fatalf("received event meant for another tenant: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitForApprovalResponse_SubscribeBeforePublishAvoidsLostWakeup(t *testing.T) {
	b := bus.New(&fakeAppender{})
	b.RegisterApprovalWait("approval_1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Resolve("approval_1", models.ApprovalResponse{Approved: true, By: "alice"})
	}()

	resp, ok := b.WaitForApprovalResponse(context.Background(), "approval_1", time.Second)
	if !ok {
		t.Fatal("WaitForApprovalResponse() ok = false, want true")
	}
	if !resp.Approved || resp.By != "alice" {
		t.Errorf("WaitForApprovalResponse() = %+v, want Approved=true By=alice", resp)
	}
}

func TestWaitForApprovalResponse_TimesOut(t *testing.T) {
	b := bus.New(&fakeAppender{})
	b.RegisterApprovalWait("approval_2")

	_, ok := b.WaitForApprovalResponse(context.Background(), "approval_2", 20*time.Millisecond)
	if ok {
		t.Fatal("WaitForApprovalResponse() ok = true, want false on timeout")
	}
}

func TestPublishMessage_AppendsThenBroadcasts(t *testing.T) {
	appender := &fakeAppender{}
	b := bus.New(appender)
	ch := b.Subscribe("acme")
	defer b.Unsubscribe("acme", ch)

	msg := &models.Message{Tenant: "acme", AgentID: "agent-1", Role: models.RoleAgent, Type: models.MsgText, Content: "hello"}
	if err := b.PublishMessage(context.Background(), msg); err != nil {
		t.Fatalf("PublishMessage() error = %v", err)
	}
	if msg.MessageNum != 1 {
		t.Errorf("PublishMessage() did not assign MessageNum via append, got %d", msg.MessageNum)
	}

	select {
	case ev := <-ch:
		if ev.Name != models.EventAgentMessage {
			t.Errorf("event.Name = %q, want %q", ev.Name, models.EventAgentMessage)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for agent_message event")
	}
}
