// Package store provides the storage interface and implementations for
// Sibyl's tenant-isolated entity graph. Phase 1 is in-memory (used in tests
// and for the embedded single-process deployment); a FalkorDB/Postgres
// implementation can satisfy the same interface without handler changes.
package store

import (
	"context"
	"time"

	"github.com/sibylhq/sibyl/pkg/models"
)

// Store is the full storage surface the core depends on. Handler and
// service code is written against this interface, never a concrete type.
type Store interface {
	EntityStore
	RelationshipStore
	MessageStore
	ApprovalStore
	JobStore
	SessionStore
	VectorDocStore

	// Ping checks whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate runs schema migrations. A no-op for the in-memory store.
	Migrate(ctx context.Context) error
}

// ── Entity Store (C1/C2) ─────────────────────────────────────────

// ListFilter provides common pagination options for entity listings.
type ListFilter struct {
	Limit  int
	Offset int
	Since  *time.Time
}

// EntityStore is the tenant-scoped node store underlying the entity graph.
// Every method is implicitly scoped to the tenant passed in; callers never
// see another tenant's rows, even on a Get by id.
type EntityStore interface {
	GetEntity(ctx context.Context, tenant, id string) (*models.Entity, error)
	CreateEntity(ctx context.Context, entity *models.Entity) error
	UpdateEntity(ctx context.Context, entity *models.Entity) error
	DeleteEntity(ctx context.Context, tenant, id string) error
	ListEntitiesByKind(ctx context.Context, tenant string, kind models.EntityKind, filter ListFilter) ([]models.Entity, error)
	ListAllEntities(ctx context.Context, tenant string, filter ListFilter) ([]models.Entity, error)

	// SearchEntities runs a naive substring/keyword match over name,
	// description and content, scoped to tenant and optionally kind.
	// The graph package layers sanitization and RRF-style fusion on top;
	// this method only needs to return candidates and a positional score.
	SearchEntities(ctx context.Context, tenant, query string, kinds []models.EntityKind, limit int) ([]models.Entity, error)
}

// ── Relationship Store (C3) ──────────────────────────────────────

type RelationshipStore interface {
	CreateRelationship(ctx context.Context, rel *models.Relationship) error
	GetRelationship(ctx context.Context, tenant, id string) (*models.Relationship, error)

	// FindRelationship supports the idempotent-create check on
	// (source, target, kind) without requiring the edge id.
	FindRelationship(ctx context.Context, tenant, source, target string, kind models.RelationshipKind) (*models.Relationship, error)

	ListRelationshipsForEntity(ctx context.Context, tenant, entityID string, dir models.Direction) ([]models.Relationship, error)
	DeleteRelationship(ctx context.Context, tenant, id string) error
	DeleteRelationshipsForEntity(ctx context.Context, tenant, entityID string) error
	ListAllRelationships(ctx context.Context, tenant string) ([]models.Relationship, error)
}

// ── Message Store (C4) ────────────────────────────────────────────

// MessageStore is the durable, append-only log backing an agent's
// conversation transcript. MessageNum is assigned by the store so
// concurrent appends from the same agent still produce a gap-free,
// strictly increasing sequence.
type MessageStore interface {
	// AppendMessage assigns the next MessageNum for (tenant, agentID) and
	// persists msg, mutating msg.MessageNum in place.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, tenant, agentID string, since int) ([]models.Message, error)
}

// ── Approval Store (C5) ───────────────────────────────────────────

type ApprovalStore interface {
	CreateApprovalEntity(ctx context.Context, entity *models.Entity, fields models.ApprovalFields) error
	GetApprovalEntity(ctx context.Context, tenant, id string) (*models.Entity, models.ApprovalFields, error)
	UpdateApprovalFields(ctx context.Context, tenant, id string, fields models.ApprovalFields) error
	ListPendingApprovals(ctx context.Context, tenant, agentID string) ([]models.Entity, error)
}

// ── Job Store (C6) ─────────────────────────────────────────────────

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, tenant, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListQueuedJobs(ctx context.Context, tenant string, limit int) ([]models.Job, error)
}

// ── Session Store (C7 resume) ────────────────────────────────────

type SessionStore interface {
	GetSession(ctx context.Context, tenant, agentID string) (*models.Session, error)
	UpsertSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, tenant, agentID string) error
}

// ── Vector Doc Store (C8) ─────────────────────────────────────────

// VectorDocStore provides CRUD for vector documents backing retrieval.
// The in-memory store does a linear cosine scan; a pgvector-backed
// implementation can satisfy the same interface with an ANN index.
type VectorDocStore interface {
	UpsertVectorDocs(ctx context.Context, tenant string, docs []models.VectorDoc) error
	SearchVectorDocs(ctx context.Context, tenant string, vector []float64, topK int, namespace string) ([]models.SearchResult, error)
	DeleteVectorDocs(ctx context.Context, tenant string, ids []string) error
	CountVectorDocs(ctx context.Context, tenant, namespace string) (int64, error)
}
