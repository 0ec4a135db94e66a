// Package bus implements Sibyl's per-tenant pub/sub topic and the
// subscribe-before-publish wait primitives the approval service blocks on.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/sibylhq/sibyl/pkg/models"
)

// Bus fans out events to per-tenant subscribers and durably appends agent
// messages via an injected store. Broadcasts are always best-effort: a
// slow or absent subscriber never blocks or fails the publishing call.
type Bus struct {
	store Appender

	subsMu sync.RWMutex
	subs   map[string][]chan models.Event // key: tenant

	waitMu sync.Mutex
	waits  map[string]chan interface{} // key: response id (approval_id / question_id)
}

// Appender is the durable-append half of the message bus, satisfied by
// store.Store.
type Appender interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
}

// subscriberBuffer bounds how many events a lagging subscriber can queue
// before new events are dropped for it; matches the teacher gateway's
// per-subscriber channel size.
const subscriberBuffer = 32

func New(store Appender) *Bus {
	return &Bus{
		store: store,
		subs:  make(map[string][]chan models.Event),
		waits: make(map[string]chan interface{}),
	}
}

// Subscribe registers a new channel for tenant and returns it. Callers
// must Unsubscribe when done to avoid leaking the channel slot.
func (b *Bus) Subscribe(tenant string) <-chan models.Event {
	ch := make(chan models.Event, subscriberBuffer)
	b.subsMu.Lock()
	b.subs[tenant] = append(b.subs[tenant], ch)
	b.subsMu.Unlock()
	return ch
}

// Unsubscribe removes ch from tenant's subscriber list and closes it.
func (b *Bus) Unsubscribe(tenant string, ch <-chan models.Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	list := b.subs[tenant]
	for i, c := range list {
		if c == ch {
			b.subs[tenant] = append(list[:i], list[i+1:]...)
			close(c)
			return
		}
	}
}

// Publish broadcasts event to every subscriber on tenant's topic; it does
// not write the durable log (PublishMessage does). Broadcast is
// non-blocking: a subscriber whose buffer is full simply misses this event.
func (b *Bus) Publish(ctx context.Context, tenant string, event models.Event) {
	event.Tenant = tenant
	event.TS = time.Now()

	b.subsMu.RLock()
	subs := b.subs[tenant]
	b.subsMu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// PublishMessage appends msg to the durable agent transcript and publishes
// a paired agent_message event. Failing to broadcast never fails the
// append — the append is the record of truth, the event is a nudge.
func (b *Bus) PublishMessage(ctx context.Context, msg *models.Message) error {
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	b.Publish(ctx, msg.Tenant, models.Event{Name: models.EventAgentMessage, Data: msg})
	return nil
}

// registerWait creates id's response channel before the caller publishes
// the corresponding request, so a response to that request can never
// arrive ahead of the subscription and be missed.
func (b *Bus) registerWait(id string) chan interface{} {
	ch := make(chan interface{}, 1)
	b.waitMu.Lock()
	b.waits[id] = ch
	b.waitMu.Unlock()
	return ch
}

func (b *Bus) clearWait(id string) {
	b.waitMu.Lock()
	delete(b.waits, id)
	b.waitMu.Unlock()
}

// RegisterApprovalWait subscribes to id's response channel. Callers must
// do this BEFORE publishing the request event; approvals.Service persists
// the approval/question entity, then registers, then publishes.
func (b *Bus) RegisterApprovalWait(id string) {
	b.registerWait(id)
}

// Resolve delivers payload to id's waiter, if one is registered. Used by
// the HTTP respond handler and by cancellation to wake a blocked waiter
// even when no real response ever arrives.
func (b *Bus) Resolve(id string, payload interface{}) {
	b.waitMu.Lock()
	ch, ok := b.waits[id]
	b.waitMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// WaitForApprovalResponse blocks until Resolve(id, ...) is called, ctx is
// done, or timeout elapses, returning ok=false in the latter two cases.
// The wait channel for id must already be registered via
// RegisterApprovalWait before the caller published the request.
func (b *Bus) WaitForApprovalResponse(ctx context.Context, id string, timeout time.Duration) (models.ApprovalResponse, bool) {
	b.waitMu.Lock()
	ch, ok := b.waits[id]
	b.waitMu.Unlock()
	if !ok {
		ch = b.registerWait(id)
	}
	defer b.clearWait(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		if resp, ok := v.(models.ApprovalResponse); ok {
			return resp, true
		}
		return models.ApprovalResponse{}, false
	case <-timer.C:
		return models.ApprovalResponse{}, false
	case <-ctx.Done():
		return models.ApprovalResponse{}, false
	}
}

// WaitForQuestionResponse mirrors WaitForApprovalResponse for the
// user-question matcher's answer payload.
func (b *Bus) WaitForQuestionResponse(ctx context.Context, id string, timeout time.Duration) (models.QuestionResponse, bool) {
	b.waitMu.Lock()
	ch, ok := b.waits[id]
	b.waitMu.Unlock()
	if !ok {
		ch = b.registerWait(id)
	}
	defer b.clearWait(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		if resp, ok := v.(models.QuestionResponse); ok {
			return resp, true
		}
		return models.QuestionResponse{}, false
	case <-timer.C:
		return models.QuestionResponse{}, false
	case <-ctx.Done():
		return models.QuestionResponse{}, false
	}
}
