package agentrunner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/pkg/models"
)

// DefaultHeartbeatInterval matches how often the monitor sweeps in-flight
// agents for staleness.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultHeartbeatTimeout is how long an agent may go without a
// heartbeat touch before it's declared failed.
const DefaultHeartbeatTimeout = 5 * time.Minute

// HeartbeatMonitor periodically touches last_heartbeat on every
// in-flight agent this runner owns and fails any agent that's gone
// silent past the timeout. Adapted from the polling/status-diff shape
// in the teacher's picoclaw heartbeat monitor, generalized from a
// single external-framework health check to "is this process still
// alive and did anyone touch its heartbeat recently."
type HeartbeatMonitor struct {
	entities *graph.Manager
	bus      *bus.Bus
	tenant   string
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	tracked map[string]time.Time // agentID -> last observed heartbeat
	stopCh  chan struct{}
}

// HeartbeatOption configures a HeartbeatMonitor at construction.
type HeartbeatOption func(*HeartbeatMonitor)

// WithHeartbeatInterval overrides the default sweep interval.
func WithHeartbeatInterval(d time.Duration) HeartbeatOption {
	return func(h *HeartbeatMonitor) { h.interval = d }
}

// WithHeartbeatTimeout overrides the default staleness timeout.
func WithHeartbeatTimeout(d time.Duration) HeartbeatOption {
	return func(h *HeartbeatMonitor) { h.timeout = d }
}

func NewHeartbeatMonitor(entities *graph.Manager, b *bus.Bus, tenant string, opts ...HeartbeatOption) *HeartbeatMonitor {
	h := &HeartbeatMonitor{
		entities: entities,
		bus:      b,
		tenant:   tenant,
		interval: DefaultHeartbeatInterval,
		timeout:  DefaultHeartbeatTimeout,
		tracked:  make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Touch records a heartbeat for agentID, called by the stream pump every
// time the runtime emits a message.
func (h *HeartbeatMonitor) Touch(agentID string) {
	h.mu.Lock()
	h.tracked[agentID] = time.Now()
	h.mu.Unlock()
}

// Track begins watching agentID for staleness; call when Spawn/Resume
// starts a run. Untrack stops watching, called when the run completes.
func (h *HeartbeatMonitor) Track(agentID string) { h.Touch(agentID) }

func (h *HeartbeatMonitor) Untrack(agentID string) {
	h.mu.Lock()
	delete(h.tracked, agentID)
	h.mu.Unlock()
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (h *HeartbeatMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.sweep(ctx)
		case <-h.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *HeartbeatMonitor) Stop() {
	close(h.stopCh)
}

func (h *HeartbeatMonitor) sweep(ctx context.Context) {
	h.mu.Lock()
	now := time.Now()
	stale := make([]string, 0)
	live := make([]string, 0, len(h.tracked))
	for agentID, last := range h.tracked {
		if now.Sub(last) > h.timeout {
			stale = append(stale, agentID)
		} else {
			live = append(live, agentID)
		}
	}
	h.mu.Unlock()

	for _, agentID := range stale {
		h.failStale(ctx, agentID, now)
	}
	for _, agentID := range live {
		h.touchEntityHeartbeat(ctx, agentID)
	}
}

func (h *HeartbeatMonitor) failStale(ctx context.Context, agentID string, now time.Time) {
	h.Untrack(agentID)

	entity, err := h.entities.Update(ctx, agentID, map[string]interface{}{
		"status":         models.AgentFailed,
		"last_heartbeat": now,
	})
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: heartbeat failed to update stale agent")
		return
	}
	_ = entity

	log.Warn().Str("agent_id", agentID).Msg("agentrunner: agent heartbeat timed out, marked failed")
	h.bus.Publish(ctx, h.tenant, models.Event{
		Name: models.EventAgentStatus,
		Data: map[string]interface{}{
			"agent_id": agentID,
			"status":   models.AgentFailed,
			"error":    "heartbeat_timeout",
		},
	})
}

// touchEntityHeartbeat persists last_heartbeat on the agent entity
// itself (not just in-memory tracking), so a restart or a reader polling
// the entity directly still sees liveness.
func (h *HeartbeatMonitor) touchEntityHeartbeat(ctx context.Context, agentID string) {
	now := time.Now()
	if _, err := h.entities.Update(ctx, agentID, map[string]interface{}{"last_heartbeat": now}); err != nil {
		log.Debug().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to persist heartbeat touch")
	}
}
