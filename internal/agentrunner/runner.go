// Package agentrunner implements C7: spawning and resuming agent runs,
// pumping the external runtime's message stream into the durable
// transcript and pub/sub bus, gating tool calls through the approval
// service, and tracking liveness via heartbeats.
package agentrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/approvals"
	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/pkg/models"
)

// WorkflowReminderThreshold is the default number of substantive tool
// calls (tool_use messages) after which the runner injects one
// follow-up reminder if the run hasn't otherwise concluded. 0 disables
// the behavior.
const WorkflowReminderThreshold = 5

const workflowReminderText = "Before finishing, double-check that you've closed the loop: tests run, docs updated, and any TODOs resolved."

// StatusHinter generates a short "what we're doing now" string for a
// tool call, used for the status_hint side-channel broadcast. It is
// optional; a nil StatusHinter simply disables the feature.
type StatusHinter interface {
	Hint(ctx context.Context, agentID, toolName string, input map[string]interface{}) (string, error)
}

// Runner spawns, resumes, and pumps the message stream for agent runs.
type Runner struct {
	entities  *graph.Manager
	bus       *bus.Bus
	approvals *approvals.Service
	executor  Executor
	heartbeat *HeartbeatMonitor
	hinter    StatusHinter
	tenant    string

	reminderThreshold int
}

type Option func(*Runner)

// WithStatusHinter wires a status-hint caller; omitted, hints are skipped.
func WithStatusHinter(h StatusHinter) Option {
	return func(r *Runner) { r.hinter = h }
}

// WithWorkflowReminderThreshold overrides the default reminder-injection
// threshold; 0 disables the feature.
func WithWorkflowReminderThreshold(n int) Option {
	return func(r *Runner) { r.reminderThreshold = n }
}

func New(entities *graph.Manager, b *bus.Bus, approvalSvc *approvals.Service, executor Executor, heartbeat *HeartbeatMonitor, tenant string, opts ...Option) *Runner {
	r := &Runner{
		entities:          entities,
		bus:               b,
		approvals:         approvalSvc,
		executor:          executor,
		heartbeat:         heartbeat,
		tenant:            tenant,
		reminderThreshold: WorkflowReminderThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Spawn creates the agent entity and begins a fresh run.
func (r *Runner) Spawn(ctx context.Context, agentID, prompt, agentType, projectID, taskID string) error {
	now := time.Now()
	entity := &models.Entity{
		ID:        agentID,
		Kind:      models.EntityAgent,
		Tenant:    r.tenant,
		Name:      fmt.Sprintf("agent:%s", agentID),
		CreatedAt: now,
	}
	if _, err := r.entities.CreateDirect(ctx, entity, false); err != nil {
		return fmt.Errorf("create agent entity: %w", err)
	}
	if _, err := r.entities.Update(ctx, agentID, map[string]interface{}{
		"agent_type":  agentType,
		"status":      models.AgentInitializing,
		"project_id":  projectID,
		"task_id":     taskID,
		"started_at":  now,
	}); err != nil {
		return fmt.Errorf("initialize agent entity: %w", err)
	}

	return r.run(ctx, agentID, RunSpec{AgentID: agentID, Tenant: r.tenant, Prompt: prompt})
}

// Resume re-attaches to a live runtime session identified by sessionID
// (pkg/server's resume job reads it from the session store) and streams a
// continuation.
func (r *Runner) Resume(ctx context.Context, agentID, sessionID, prompt string) error {
	if _, err := r.entities.Update(ctx, agentID, map[string]interface{}{"status": models.AgentWorking}); err != nil {
		return fmt.Errorf("mark agent resuming: %w", err)
	}
	return r.run(ctx, agentID, RunSpec{AgentID: agentID, Tenant: r.tenant, Prompt: prompt, SessionID: sessionID})
}

// ResumeFromCheckpoint reads the latest checkpoint entity for agentID and
// re-attaches to the runtime session id recorded on it. Checkpoints hold
// no conversation history, so no prior transcript is replayed; when no
// checkpoint exists it starts a fresh run through Spawn.
func (r *Runner) ResumeFromCheckpoint(ctx context.Context, agentID, prompt string) error {
	checkpoint, err := r.latestCheckpoint(ctx, agentID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint == nil {
		return r.Spawn(ctx, agentID, prompt, "", "", "")
	}
	return r.Resume(ctx, agentID, checkpoint.SessionID, prompt)
}

func (r *Runner) latestCheckpoint(ctx context.Context, agentID string) (*models.CheckpointFields, error) {
	rows, err := r.entities.ListByType(ctx, models.EntityCheckpoint, 0, 0, graph.ListFilters{})
	if err != nil {
		return nil, err
	}
	var latest *models.Entity
	for i := range rows {
		e := rows[i]
		if aid, _ := e.Properties["agent_id"].(string); aid != agentID {
			continue
		}
		if latest == nil || e.CreatedAt.After(latest.CreatedAt) {
			latest = &rows[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	sessionID, _ := latest.Properties["session_id"].(string)
	summary, _ := latest.Properties["summary"].(string)
	return &models.CheckpointFields{AgentID: agentID, SessionID: sessionID, Summary: summary}, nil
}

// run drives the stream pump: appends the prompt, starts the runtime
// process, formats and relays each message, gates tool calls through the
// approval service, injects a workflow reminder past the substantive
// tool-call threshold, and finalizes the agent's status on termination.
func (r *Runner) run(ctx context.Context, agentID string, spec RunSpec) error {
	if err := r.bus.PublishMessage(ctx, &models.Message{
		AgentID:   agentID,
		Tenant:    r.tenant,
		Role:      models.RoleUser,
		Type:      models.MsgText,
		Content:   spec.Prompt,
		CreatedAt: time.Now(),
	}); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to append prompt message")
	}

	if _, err := r.entities.Update(ctx, agentID, map[string]interface{}{"status": models.AgentWorking}); err != nil {
		return fmt.Errorf("mark agent working: %w", err)
	}
	r.bus.Publish(ctx, r.tenant, models.Event{
		Name: models.EventAgentStatus,
		Data: map[string]interface{}{"agent_id": agentID, "status": models.AgentWorking},
	})

	if r.heartbeat != nil {
		r.heartbeat.Track(agentID)
		defer r.heartbeat.Untrack(agentID)
	}

	handle, _, err := r.executor.Start(ctx, spec)
	if err != nil {
		r.fail(ctx, agentID, err)
		return err
	}
	defer handle.Close()

	substantiveToolCalls := 0
	reminderSent := false
	lastSessionID := spec.SessionID

	for raw := range handle.Messages() {
		if r.heartbeat != nil {
			r.heartbeat.Touch(agentID)
		}

		if raw.IsResult {
			return r.complete(ctx, agentID, handle, raw)
		}

		msg := formatMessage(raw, r.tenant, agentID)
		if err := r.bus.PublishMessage(ctx, &msg); err != nil {
			log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to append message")
		}

		if msg.Type == models.MsgToolCall {
			substantiveToolCalls++
			r.fireStatusHint(ctx, agentID, msg)

			toolName, _ := msg.Extra["tool_name"].(string)
			input, _ := msg.Extra["input"].(map[string]interface{})
			decision, err := r.gate(ctx, agentID, toolName, input)
			if err != nil {
				log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: approval evaluation failed")
			} else if decision.Gated {
				if err := handle.Approve(ctx, msg.ToolUseID, decision.Approved, decision.Message); err != nil {
					log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to deliver approval decision")
				}
			}
		}

		if sid := handle.SessionID(); sid != "" && sid != lastSessionID {
			lastSessionID = sid
			if _, err := r.entities.Update(ctx, agentID, map[string]interface{}{"session_id": sid}); err != nil {
				log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to persist session id")
			}
		}

		if !reminderSent && r.reminderThreshold > 0 && substantiveToolCalls >= r.reminderThreshold {
			reminderSent = true
			reminder := models.Message{
				AgentID:   agentID,
				Tenant:    r.tenant,
				Role:      models.RoleSystem,
				Type:      models.MsgText,
				Content:   workflowReminderText,
				CreatedAt: time.Now(),
			}
			if err := r.bus.PublishMessage(ctx, &reminder); err != nil {
				log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to append workflow reminder")
			}
		}
	}

	// Runtime closed its stream without ever sending a terminal result.
	r.fail(ctx, agentID, fmt.Errorf("agent runtime exited without a terminal result"))
	return nil
}

func (r *Runner) gate(ctx context.Context, agentID, toolName string, input map[string]interface{}) (approvals.Decision, error) {
	return r.approvals.Evaluate(ctx, approvals.ToolCall{AgentID: agentID, Name: toolName, Input: input})
}

// Cancel sweeps every pending approval under agentID to denied, which
// unblocks any in-flight gate wait with a denial and lets the run's own
// stream-pump goroutine terminate at that suspension point. It then
// marks the agent failed if it hadn't already reached a terminal status.
func (r *Runner) Cancel(ctx context.Context, agentID string) error {
	if err := r.approvals.CancelAll(ctx, agentID); err != nil {
		return fmt.Errorf("cancel pending approvals: %w", err)
	}

	entity, err := r.entities.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("get agent: %w", err)
	}
	status, _ := entity.Properties["status"].(models.AgentStatus)
	if status == models.AgentCompleted || status == models.AgentFailed {
		return nil
	}

	r.fail(ctx, agentID, fmt.Errorf("cancelled"))
	return nil
}

func (r *Runner) fireStatusHint(ctx context.Context, agentID string, msg models.Message) {
	if r.hinter == nil {
		return
	}
	toolName, _ := msg.Extra["tool_name"].(string)
	input, _ := msg.Extra["input"].(map[string]interface{})
	go func() {
		hintCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hint, err := r.hinter.Hint(hintCtx, agentID, toolName, input)
		if err != nil {
			log.Debug().Err(err).Str("agent_id", agentID).Msg("agentrunner: status hint failed, ignoring")
			return
		}
		r.bus.Publish(ctx, r.tenant, models.Event{
			Name: models.EventStatusHint,
			Data: map[string]interface{}{"agent_id": agentID, "hint": hint},
		})
	}()
}

// complete writes the terminal checkpoint and marks the agent completed.
func (r *Runner) complete(ctx context.Context, agentID string, handle Handle, raw RawMessage) error {
	sessionID := raw.SessionID
	if sessionID == "" {
		sessionID = handle.SessionID()
	}
	if err := r.writeCheckpoint(ctx, agentID, sessionID, "completed"); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to write checkpoint")
	}

	updates := map[string]interface{}{"status": models.AgentCompleted}
	if sessionID != "" {
		updates["session_id"] = sessionID
	}
	if _, err := r.entities.Update(ctx, agentID, updates); err != nil {
		return fmt.Errorf("mark agent completed: %w", err)
	}

	resultMsg := formatMessage(raw, r.tenant, agentID)
	if err := r.bus.PublishMessage(ctx, &resultMsg); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to append terminal result message")
	}

	r.bus.Publish(ctx, r.tenant, models.Event{
		Name: models.EventAgentStatus,
		Data: map[string]interface{}{"agent_id": agentID, "status": models.AgentCompleted},
	})
	return nil
}

// fail marks the agent failed and publishes the terminal status event.
func (r *Runner) fail(ctx context.Context, agentID string, cause error) {
	if err := r.writeCheckpoint(ctx, agentID, "", "failed"); err != nil {
		log.Warn().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to write checkpoint on failure path")
	}

	if _, err := r.entities.Update(ctx, agentID, map[string]interface{}{
		"status": models.AgentFailed,
		"error":  cause.Error(),
	}); err != nil {
		log.Error().Err(err).Str("agent_id", agentID).Msg("agentrunner: failed to mark agent failed")
	}

	r.bus.Publish(ctx, r.tenant, models.Event{
		Name: models.EventAgentStatus,
		Data: map[string]interface{}{"agent_id": agentID, "status": models.AgentFailed, "error": cause.Error()},
	})
}

// writeCheckpoint records a summary-only checkpoint entity: agent id,
// session id, step and a one-line summary. No conversation history is
// stored on it.
func (r *Runner) writeCheckpoint(ctx context.Context, agentID, sessionID, step string) error {
	id := "checkpoint_" + uuid.NewString()[:12]
	now := time.Now()
	entity := &models.Entity{
		ID:        id,
		Kind:      models.EntityCheckpoint,
		Tenant:    r.tenant,
		Name:      fmt.Sprintf("checkpoint:%s:%s", agentID, step),
		CreatedAt: now,
		Properties: map[string]interface{}{
			"agent_id":     agentID,
			"session_id":   sessionID,
			"current_step": step,
			"summary":      fmt.Sprintf("run %s at %s", step, now.Format(time.RFC3339)),
		},
	}
	_, err := r.entities.CreateDirect(ctx, entity, false)
	return err
}
