package approvals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

// DefaultApprovalTimeout bounds how long a gated tool call waits for a
// human response before it expires.
const DefaultApprovalTimeout = 24 * time.Hour

// DefaultQuestionTimeout bounds how long a user-question gate waits.
const DefaultQuestionTimeout = 30 * time.Minute

// Service evaluates tool calls against the configured matchers and, when
// one fires, carries the gate through the required ordering: persist the
// approval entity, register the wait channel, publish the request event,
// then block until a response, a cancellation, or the timeout.
type Service struct {
	store           store.ApprovalStore
	bus             *bus.Bus
	tenant          string
	matchers        []Matcher
	approvalTimeout time.Duration
	questionTimeout time.Duration
}

// Option configures a Service at construction.
type Option func(*Service)

// WithTimeouts overrides the default approval/question wait durations.
func WithTimeouts(approval, question time.Duration) Option {
	return func(s *Service) {
		s.approvalTimeout = approval
		s.questionTimeout = question
	}
}

func New(st store.ApprovalStore, b *bus.Bus, tenant string, matchers []Matcher, opts ...Option) *Service {
	s := &Service{
		store:           st,
		bus:             b,
		tenant:          tenant,
		matchers:        matchers,
		approvalTimeout: DefaultApprovalTimeout,
		questionTimeout: DefaultQuestionTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Decision is the outcome of running a tool call through the gate.
type Decision struct {
	Gated      bool
	Approved   bool
	ApprovalID string
	Message    string
}

// Evaluate runs call through every applicable matcher in order and stops
// at the first one that gates. A non-gating call returns {Gated: false}
// immediately so the caller can execute the tool without ceremony.
func (s *Service) Evaluate(ctx context.Context, call ToolCall) (Decision, error) {
	for _, m := range s.matchers {
		if !m.Applies(call.Name) {
			continue
		}
		v := m.Evaluate(call)
		if !v.Gate {
			continue
		}
		if v.Type == models.ApprovalUserQuestion {
			return s.gateQuestion(ctx, call, v)
		}
		return s.gateApproval(ctx, call, v)
	}
	return Decision{Gated: false}, nil
}

// approvalID mirrors the original digest scheme: a short id derived from
// the agent, tool, and request time at nanosecond precision, so each
// evaluation of a call, retries included, gets its own approval.
func approvalID(agentID, toolName string, at time.Time) string {
	sum := sha256.Sum256([]byte(agentID + ":" + toolName + ":" + at.Format(time.RFC3339Nano)))
	return "approval_" + hex.EncodeToString(sum[:])[:12]
}

func (s *Service) gateApproval(ctx context.Context, call ToolCall, v Verdict) (Decision, error) {
	now := time.Now()
	id := approvalID(call.AgentID, call.Name, now)

	entity := &models.Entity{
		ID:        id,
		Kind:      models.EntityApproval,
		Tenant:    s.tenant,
		Name:      v.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields := models.ApprovalFields{
		AgentID:      call.AgentID,
		TaskID:       call.TaskID,
		ApprovalType: v.Type,
		Status:       models.ApprovalPending,
		Title:        v.Title,
		Summary:      v.Summary,
		ExpiresAt:    now.Add(s.approvalTimeout),
	}

	// Required ordering: persist, then register the wait channel, then
	// publish. A response that lands between register and publish is
	// still caught; one that lands before register never can be, which
	// is why register must never happen after publish.
	if err := s.store.CreateApprovalEntity(ctx, entity, fields); err != nil {
		return Decision{}, fmt.Errorf("create approval entity: %w", err)
	}
	s.bus.RegisterApprovalWait(id)
	s.bus.Publish(ctx, s.tenant, models.Event{
		Name: models.EventApprovalRequest,
		Data: map[string]interface{}{
			"approval_id": id,
			"agent_id":    call.AgentID,
			"type":        v.Type,
			"title":       v.Title,
			"summary":     v.Summary,
		},
	})

	resp, ok := s.bus.WaitForApprovalResponse(ctx, id, s.approvalTimeout)
	if !ok {
		fields.Status = models.ApprovalExpired
		now2 := time.Now()
		fields.RespondedAt = &now2
		_ = s.store.UpdateApprovalFields(ctx, s.tenant, id, fields)
		return Decision{Gated: true, Approved: false, ApprovalID: id, Message: "Approval request timed out"}, nil
	}

	status := models.ApprovalDenied
	if resp.Approved {
		status = models.ApprovalApproved
	}
	fields.Status = status
	fields.ResponseBy = resp.By
	fields.ResponseMessage = resp.Message
	respondedAt := time.Now()
	fields.RespondedAt = &respondedAt
	if err := s.store.UpdateApprovalFields(ctx, s.tenant, id, fields); err != nil {
		return Decision{}, fmt.Errorf("update approval fields: %w", err)
	}

	return Decision{Gated: true, Approved: resp.Approved, ApprovalID: id, Message: resp.Message}, nil
}

func (s *Service) gateQuestion(ctx context.Context, call ToolCall, v Verdict) (Decision, error) {
	now := time.Now()
	id := "question_" + uuid.NewString()[:12]

	entity := &models.Entity{
		ID:        id,
		Kind:      models.EntityApproval,
		Tenant:    s.tenant,
		Name:      v.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	fields := models.ApprovalFields{
		AgentID:      call.AgentID,
		TaskID:       call.TaskID,
		ApprovalType: models.ApprovalUserQuestion,
		Status:       models.ApprovalPending,
		Title:        v.Title,
		Summary:      v.Summary,
		ExpiresAt:    now.Add(s.questionTimeout),
	}

	if err := s.store.CreateApprovalEntity(ctx, entity, fields); err != nil {
		return Decision{}, fmt.Errorf("create question entity: %w", err)
	}
	s.bus.RegisterApprovalWait(id)
	s.bus.Publish(ctx, s.tenant, models.Event{
		Name: models.EventApprovalRequest,
		Data: map[string]interface{}{
			"approval_id": id,
			"agent_id":    call.AgentID,
			"type":        models.ApprovalUserQuestion,
			"title":       v.Title,
			"summary":     v.Summary,
		},
	})

	qresp, ok := s.bus.WaitForQuestionResponse(ctx, id, s.questionTimeout)
	respondedAt := time.Now()
	if !ok {
		fields.Status = models.ApprovalExpired
		fields.RespondedAt = &respondedAt
		_ = s.store.UpdateApprovalFields(ctx, s.tenant, id, fields)
		return Decision{Gated: true, Approved: false, ApprovalID: id, Message: "question timed out"}, nil
	}

	fields.Status = models.ApprovalApproved
	fields.RespondedAt = &respondedAt
	var msg string
	for _, a := range qresp.Answers {
		msg = a
		break
	}
	fields.ResponseMessage = msg
	if err := s.store.UpdateApprovalFields(ctx, s.tenant, id, fields); err != nil {
		return Decision{}, fmt.Errorf("update question fields: %w", err)
	}

	return Decision{Gated: true, Approved: true, ApprovalID: id, Message: msg}, nil
}

// Respond resolves a pending approval/question from the HTTP layer: it
// updates the stored fields immediately (so a poller sees the terminal
// state right away) and wakes any in-process waiter.
func (s *Service) Respond(ctx context.Context, id string, approved bool, by, message string) error {
	entity, fields, err := s.store.GetApprovalEntity(ctx, s.tenant, id)
	if err != nil {
		return err
	}
	if fields.Status.IsTerminal() {
		return nil
	}
	status := models.ApprovalDenied
	if approved {
		status = models.ApprovalApproved
	}
	fields.Status = status
	fields.ResponseBy = by
	fields.ResponseMessage = message
	now := time.Now()
	fields.RespondedAt = &now
	if err := s.store.UpdateApprovalFields(ctx, s.tenant, entity.ID, fields); err != nil {
		return err
	}

	if fields.ApprovalType == models.ApprovalUserQuestion {
		s.bus.Resolve(id, models.QuestionResponse{Answers: map[string]string{"response": message}})
		return nil
	}
	s.bus.Resolve(id, models.ApprovalResponse{Approved: approved, By: by, Message: message})
	return nil
}

// CancelAll resolves every pending approval for agentID as denied, used
// when an agent run is cancelled out from under a blocked tool call.
func (s *Service) CancelAll(ctx context.Context, agentID string) error {
	pending, err := s.store.ListPendingApprovals(ctx, s.tenant, agentID)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if err := s.Respond(ctx, e.ID, false, "system", "cancelled"); err != nil {
			return err
		}
	}
	return nil
}
