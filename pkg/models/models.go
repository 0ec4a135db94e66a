// Package models defines the wire and storage shapes for Sibyl's
// tenant-isolated entity graph and agent execution subsystem.
package models

import "time"

// ── Entity kinds ─────────────────────────────────────────────

// EntityKind is the closed set of node kinds the graph understands.
type EntityKind string

const (
	EntityProject    EntityKind = "project"
	EntityEpic       EntityKind = "epic"
	EntityTask       EntityKind = "task"
	EntityNote       EntityKind = "note"
	EntityEpisode    EntityKind = "episode"
	EntityPattern    EntityKind = "pattern"
	EntityRule       EntityKind = "rule"
	EntityTemplate   EntityKind = "template"
	EntityAgent      EntityKind = "agent"
	EntityCheckpoint EntityKind = "checkpoint"
	EntityApproval   EntityKind = "approval"
	EntitySource     EntityKind = "source"
	EntityDocument   EntityKind = "document"
	EntityChunk      EntityKind = "chunk"
	EntityTopic      EntityKind = "topic" // default/unclassified fallback kind
)

// Entity is the uniform shape every stored node presents to generic readers.
// Kind-specific fields live in Properties (structured); the graph package's
// knownFieldsFor lists them per kind, and its projection moves such keys
// out of Metadata into Properties, so they are not duplicated in Metadata.
type Entity struct {
	ID          string                 `json:"id"`
	Kind        EntityKind             `json:"kind"`
	Tenant      string                 `json:"tenant"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Content     string                 `json:"content,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Embedding   []float64              `json:"embedding,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ── Relationships (C3) ───────────────────────────────────────

// RelationshipKind is the closed set of edge kinds.
type RelationshipKind string

const (
	RelBelongsTo   RelationshipKind = "BELONGS_TO"
	RelDependsOn   RelationshipKind = "DEPENDS_ON"
	RelRequires    RelationshipKind = "REQUIRES"
	RelPartOf      RelationshipKind = "PART_OF"
	RelReferences  RelationshipKind = "REFERENCES"
	RelDerivedFrom RelationshipKind = "DERIVED_FROM"
	RelRelatedTo   RelationshipKind = "RELATED_TO"
)

// ParseRelationshipKind maps an unknown string to RelRelatedTo per spec.
func ParseRelationshipKind(s string) RelationshipKind {
	switch RelationshipKind(s) {
	case RelBelongsTo, RelDependsOn, RelRequires, RelPartOf, RelReferences, RelDerivedFrom, RelRelatedTo:
		return RelationshipKind(s)
	default:
		return RelRelatedTo
	}
}

// Relationship is a typed directed edge. Identity is (Source, Target, Kind).
type Relationship struct {
	ID       string                 `json:"id"`
	Tenant   string                 `json:"tenant"`
	Source   string                 `json:"source"`
	Target   string                 `json:"target"`
	Kind     RelationshipKind       `json:"kind"`
	Weight   float64                `json:"weight"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Direction filters GetForEntity.
type Direction string

const (
	DirOutgoing Direction = "outgoing"
	DirIncoming Direction = "incoming"
	DirBoth     Direction = "both"
)

// RelatedEntity pairs a discovered entity with the edge that reached it.
type RelatedEntity struct {
	Entity Entity
	Via    Relationship
}

// ── Task / Epic / Project projected fields ──────────────────

// TaskStatus is the closed set of task lifecycle states.
type TaskStatus string

const (
	TaskTodo     TaskStatus = "todo"
	TaskDoing    TaskStatus = "doing"
	TaskBlocked  TaskStatus = "blocked"
	TaskReview   TaskStatus = "review"
	TaskDone     TaskStatus = "done"
	TaskArchived TaskStatus = "archived"
)

// Priority is shared across tasks and epics.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// TaskFields holds the structured properties projected for EntityTask.
type TaskFields struct {
	Status         TaskStatus `json:"status,omitempty"`
	Priority       Priority   `json:"priority,omitempty"`
	ProjectID      string     `json:"project_id,omitempty"`
	EpicID         string     `json:"epic_id,omitempty"`
	Assignees      []string   `json:"assignees,omitempty"`
	Technologies   []string   `json:"technologies,omitempty"`
	Feature        string     `json:"feature,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	EstimatedHours float64    `json:"estimated_hours,omitempty"`
	BranchName     string     `json:"branch_name,omitempty"`
	PRUrl          string     `json:"pr_url,omitempty"`
}

// ProjectFields holds the structured properties projected for EntityProject.
type ProjectFields struct {
	Status        string   `json:"status,omitempty"`
	TechStack     []string `json:"tech_stack,omitempty"`
	RepositoryURL string   `json:"repository_url,omitempty"`
}

// EpicFields holds the structured properties projected for EntityEpic.
type EpicFields struct {
	Status     string     `json:"status,omitempty"`
	Priority   Priority   `json:"priority,omitempty"`
	ProjectID  string     `json:"project_id,omitempty"`
	Assignees  []string   `json:"assignees,omitempty"`
	TargetDate *time.Time `json:"target_date,omitempty"`
	Learnings  string     `json:"learnings,omitempty"`
}

// NoteFields holds the structured properties projected for EntityNote.
type NoteFields struct {
	TaskID     string `json:"task_id,omitempty"`
	AuthorType string `json:"author_type,omitempty"`
	AuthorName string `json:"author_name,omitempty"`
}

// ── Agent (C7) ────────────────────────────────────────────────

// AgentStatus is the closed lifecycle state machine for an agent run.
// initializing -> working -> {waiting_approval, waiting_input}? -> {completed, failed}
type AgentStatus string

const (
	AgentInitializing   AgentStatus = "initializing"
	AgentWorking        AgentStatus = "working"
	AgentWaitingApprove AgentStatus = "waiting_approval"
	AgentWaitingInput   AgentStatus = "waiting_input"
	AgentCompleted      AgentStatus = "completed"
	AgentFailed         AgentStatus = "failed"
)

// CanTransition reports whether an agent may move from s to next.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	switch s {
	case AgentInitializing:
		return next == AgentWorking
	case AgentWorking:
		return next == AgentWaitingApprove || next == AgentWaitingInput || next == AgentCompleted || next == AgentFailed
	case AgentWaitingApprove, AgentWaitingInput:
		return next == AgentWorking || next == AgentFailed
	case AgentCompleted, AgentFailed:
		return false
	default:
		return false
	}
}

// AgentFields holds the structured properties projected for EntityAgent.
type AgentFields struct {
	AgentType      string      `json:"agent_type,omitempty"`
	SpawnSource    string      `json:"spawn_source,omitempty"`
	Status         AgentStatus `json:"status,omitempty"`
	ProjectID      string      `json:"project_id,omitempty"`
	TaskID         string      `json:"task_id,omitempty"`
	WorktreePath   string      `json:"worktree_path,omitempty"`
	WorktreeBranch string      `json:"worktree_branch,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	LastHeartbeat  *time.Time  `json:"last_heartbeat,omitempty"`
	SessionID      string      `json:"session_id,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// ── Approval (C5) ─────────────────────────────────────────────

// ApprovalStatus transitions only pending -> terminal; never back to pending.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalDenied    ApprovalStatus = "denied"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

// IsTerminal reports whether s is a terminal (non-pending) status.
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// ApprovalType identifies which matcher produced the gate.
type ApprovalType string

const (
	ApprovalDestructiveCommand ApprovalType = "destructive_command"
	ApprovalFileWrite          ApprovalType = "file_write"
	ApprovalSensitiveFile      ApprovalType = "sensitive_file"
	ApprovalExternalAPI        ApprovalType = "external_api"
	ApprovalCustom             ApprovalType = "custom"
	ApprovalUserQuestion       ApprovalType = "user_question"
)

// ApprovalFields holds the structured properties projected for EntityApproval.
type ApprovalFields struct {
	ProjectID       string         `json:"project_id,omitempty"`
	AgentID         string         `json:"agent_id"`
	TaskID          string         `json:"task_id,omitempty"`
	ApprovalType    ApprovalType   `json:"approval_type"`
	Status          ApprovalStatus `json:"status"`
	Priority        Priority       `json:"priority,omitempty"`
	Title           string         `json:"title"`
	Summary         string         `json:"summary"`
	ResponseBy      string         `json:"response_by,omitempty"`
	RespondedAt     *time.Time     `json:"responded_at,omitempty"`
	ResponseMessage string         `json:"response_message,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// ApprovalResponse is the payload delivered on a per-approval wait channel.
type ApprovalResponse struct {
	Approved bool   `json:"approved"`
	By       string `json:"by,omitempty"`
	Message  string `json:"message,omitempty"`
}

// QuestionResponse is the payload delivered on a per-question wait channel.
type QuestionResponse struct {
	Answers map[string]string `json:"answers"`
}

// ── Checkpoint (C7) ────────────────────────────────────────────

// CheckpointFields holds the structured properties projected for EntityCheckpoint.
// Checkpoints are append-only; the latest one per agent is read on resume.
type CheckpointFields struct {
	AgentID             string            `json:"agent_id"`
	SessionID           string            `json:"session_id,omitempty"`
	ConversationHistory []Message         `json:"conversation_history,omitempty"`
	CurrentStep         string            `json:"current_step,omitempty"`
	Summary             string            `json:"summary,omitempty"`
}

// MaxCheckpointHistory is a size for a checkpoint's conversation tail. The
// agent runner's checkpoint writer stores no conversation history, and
// nothing in this module reads this value.
const MaxCheckpointHistory = 50

// ── Message Bus (C4) ───────────────────────────────────────────

// MessageRole is the closed set of message originators.
type MessageRole string

const (
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
	RoleUser   MessageRole = "user"
)

// MessageType is the closed set of message payload shapes.
type MessageType string

const (
	MsgText        MessageType = "text"
	MsgToolCall    MessageType = "tool_call"
	MsgToolResult  MessageType = "tool_result"
	MsgMultiBlock  MessageType = "multi_block"
	MsgMultiResult MessageType = "multi_result"
	MsgResult      MessageType = "result"
)

// Message is a single durable, append-only row in an agent's message log,
// identified by (AgentID, MessageNum).
type Message struct {
	AgentID      string                 `json:"agent_id"`
	Tenant       string                 `json:"tenant"`
	MessageNum   int                    `json:"message_num"`
	Role         MessageRole            `json:"role"`
	Type         MessageType            `json:"type"`
	Content      string                 `json:"content"`
	ToolUseID    string                 `json:"tool_use_id,omitempty"`
	ParentToolID string                 `json:"parent_tool_use_id,omitempty"`
	IsError      bool                   `json:"is_error,omitempty"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// EventName is the closed set of pub/sub event names the core emits.
type EventName string

const (
	EventAgentStatus      EventName = "agent_status"
	EventAgentMessage     EventName = "agent_message"
	EventStatusHint       EventName = "status_hint"
	EventApprovalRequest  EventName = "approval_request"
	EventApprovalResponse EventName = "approval_response"
	EventQuestionResponse EventName = "question_response"
	EventCrawlStarted     EventName = "crawl_started"
	EventCrawlProgress    EventName = "crawl_progress"
	EventCrawlComplete    EventName = "crawl_complete"
	EventEntityCreated    EventName = "entity_created"
	EventEntityUpdated    EventName = "entity_updated"
	EventJobStatus        EventName = "job_status"
)

// Event is the envelope published on a tenant's topic.
type Event struct {
	Name   EventName   `json:"event"`
	Data   interface{} `json:"data"`
	Tenant string      `json:"-"`
	TS     time.Time   `json:"ts"`
}

// ── Job Queue (C6) ─────────────────────────────────────────────

// JobKind is the closed set of background job kinds relevant to the core.
type JobKind string

const (
	JobCrawlSource           JobKind = "crawl_source"
	JobSyncSource            JobKind = "sync_source"
	JobRunAgentExecution     JobKind = "run_agent_execution"
	JobResumeAgentExecution  JobKind = "resume_agent_execution"
	JobCreateEntity          JobKind = "create_entity"
	JobUpdateEntity          JobKind = "update_entity"
	JobCreateLearningEpisode JobKind = "create_learning_episode"
	JobGenerateStatusHint    JobKind = "generate_status_hint"
)

// JobStatus tracks a queued job's lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is a single unit of background work.
type Job struct {
	ID         string                 `json:"id"`
	Tenant     string                 `json:"tenant"`
	Kind       JobKind                `json:"kind"`
	Args       map[string]interface{} `json:"args"`
	Status     JobStatus              `json:"status"`
	Attempts   int                    `json:"attempts"`
	Error      string                 `json:"error,omitempty"`
	EnqueuedAt time.Time              `json:"enqueued_at"`
	StartedAt  *time.Time             `json:"started_at,omitempty"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
}

// ── Sessions (C7 resume) ───────────────────────────────────────

// Session tracks the external agent runtime's session identity for resume.
type Session struct {
	ID        string    `json:"id"`
	Tenant    string    `json:"tenant"`
	AgentID   string    `json:"agent_id"`
	RuntimeID string    `json:"runtime_id"` // external runtime's session_id
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ── Source / Document / Chunk (C8) ──────────────────────────────

// CrawlStatus is the closed lifecycle for a source's crawl.
type CrawlStatus string

const (
	CrawlPending    CrawlStatus = "pending"
	CrawlInProgress CrawlStatus = "in_progress"
	CrawlCompleted  CrawlStatus = "completed"
	CrawlPartial    CrawlStatus = "partial"
	CrawlFailed     CrawlStatus = "failed"
)

// SourceFields holds the structured properties projected for EntitySource.
type SourceFields struct {
	URL            string      `json:"url"`
	IncludePattern []string    `json:"include_patterns,omitempty"`
	ExcludePattern []string    `json:"exclude_patterns,omitempty"`
	MaxDepth       int         `json:"max_depth,omitempty"`
	CrawlStatus    CrawlStatus `json:"crawl_status"`
	LastCrawledAt  *time.Time  `json:"last_crawled_at,omitempty"`
	DocumentCount  int         `json:"document_count,omitempty"`
	ChunkCount     int         `json:"chunk_count,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
}

// DocumentFields holds the structured properties projected for EntityDocument.
type DocumentFields struct {
	SourceID     string   `json:"source_id"`
	URL          string   `json:"url"`
	ContentHash  string   `json:"content_hash"` // 64-hex, for dedupe
	Headings     []string `json:"headings,omitempty"`
	Links        []string `json:"links,omitempty"`
	CodeLanguage []string `json:"code_languages,omitempty"`
}

// ChunkFields holds the structured properties projected for EntityChunk.
type ChunkFields struct {
	DocumentID string `json:"document_id"`
	SourceID   string `json:"source_id"`
	Index      int    `json:"index"`
}

// VectorDoc is the wire shape store.VectorDocStore accepts; C8 maps chunk
// entities to VectorDocs with Namespace set to the owning source id.
type VectorDoc struct {
	ID        string            `json:"id"`
	Tenant    string            `json:"tenant"`
	Namespace string            `json:"namespace"`
	Content   string            `json:"content"`
	Embedding []float64         `json:"embedding"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SearchResult is a single hit from a vector similarity search.
type SearchResult struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RawDocument is a document read from an external data connector, ahead of
// chunking — defined for parity with C8's injected Fetcher boundary.
type RawDocument struct {
	URL     string
	Title   string
	Content string
}
