package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/errs"
	"github.com/sibylhq/sibyl/pkg/models"
)

// PostgresStore is the durable Store implementation: a single pgx pool
// holding every tenant's entities, relationships, messages, approvals,
// jobs and sessions, plus a pgvector-indexed vector_docs table for C8's
// retrieval surface. It satisfies the same Store interface as MemoryStore
// so handler and service code never has to know which one it's talking
// to; only NewCore's wiring picks between them.
type PostgresStore struct {
	pool       *pgxpool.Pool
	vectorDims int
}

// NewPostgresStore connects to connURL, runs migrations, and returns a
// ready Store. vectorDims sizes the pgvector column backing
// VectorDocStore; it must match the embedder configured alongside it.
func NewPostgresStore(ctx context.Context, connURL string, vectorDims int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool, vectorDims: vectorDims}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Int("dims", vectorDims).Msg("postgres store initialized")
	return s, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates every table the store needs if absent. Sibyl ships no
// forward-only migration runner; schema changes land here and rely on
// IF NOT EXISTS.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS entities (
			tenant      TEXT NOT NULL,
			id          TEXT NOT NULL,
			kind        TEXT NOT NULL,
			name        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}',
			properties  JSONB NOT NULL DEFAULT '{}',
			embedding   JSONB,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant, id)
		);
		CREATE INDEX IF NOT EXISTS idx_entities_kind ON entities (tenant, kind);
		CREATE INDEX IF NOT EXISTS idx_entities_created ON entities (tenant, created_at DESC);

		CREATE TABLE IF NOT EXISTS approval_fields (
			tenant           TEXT NOT NULL,
			id               TEXT NOT NULL,
			project_id       TEXT NOT NULL DEFAULT '',
			agent_id         TEXT NOT NULL DEFAULT '',
			task_id          TEXT NOT NULL DEFAULT '',
			approval_type    TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'pending',
			priority         TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL DEFAULT '',
			summary          TEXT NOT NULL DEFAULT '',
			response_by      TEXT NOT NULL DEFAULT '',
			responded_at     TIMESTAMPTZ,
			response_message TEXT NOT NULL DEFAULT '',
			expires_at       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant, id)
		);
		CREATE INDEX IF NOT EXISTS idx_approval_pending ON approval_fields (tenant, status, agent_id);

		CREATE TABLE IF NOT EXISTS relationships (
			tenant   TEXT NOT NULL,
			id       TEXT NOT NULL,
			source   TEXT NOT NULL,
			target   TEXT NOT NULL,
			kind     TEXT NOT NULL,
			weight   DOUBLE PRECISION NOT NULL DEFAULT 1,
			metadata JSONB NOT NULL DEFAULT '{}',
			PRIMARY KEY (tenant, id)
		);
		CREATE INDEX IF NOT EXISTS idx_rel_source ON relationships (tenant, source);
		CREATE INDEX IF NOT EXISTS idx_rel_target ON relationships (tenant, target);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_rel_identity ON relationships (tenant, source, target, kind);

		CREATE TABLE IF NOT EXISTS messages (
			tenant          TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			message_num     INTEGER NOT NULL,
			role            TEXT NOT NULL,
			type            TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			tool_use_id     TEXT NOT NULL DEFAULT '',
			parent_tool_id  TEXT NOT NULL DEFAULT '',
			is_error        BOOLEAN NOT NULL DEFAULT FALSE,
			extra           JSONB NOT NULL DEFAULT '{}',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant, agent_id, message_num)
		);

		CREATE TABLE IF NOT EXISTS jobs (
			tenant      TEXT NOT NULL,
			id          TEXT NOT NULL,
			kind        TEXT NOT NULL,
			args        JSONB NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at  TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			PRIMARY KEY (tenant, id)
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_queued ON jobs (tenant, status, enqueued_at);

		CREATE TABLE IF NOT EXISTS sessions (
			tenant     TEXT NOT NULL,
			agent_id   TEXT NOT NULL,
			id         TEXT NOT NULL,
			runtime_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant, agent_id)
		);

		CREATE TABLE IF NOT EXISTS vector_docs (
			tenant     TEXT NOT NULL,
			id         TEXT NOT NULL,
			namespace  TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL DEFAULT '',
			metadata   JSONB NOT NULL DEFAULT '{}',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (tenant, id)
		);
		CREATE INDEX IF NOT EXISTS idx_vdocs_namespace ON vector_docs (tenant, namespace);
	`, s.vectorDims)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

var _ Store = (*PostgresStore)(nil)

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505), the signal CreateEntity/CreateRelationship
// map onto errs.Conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSON(v interface{}) []byte {
	if v == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

func unmarshalJSON[T any](raw []byte, out *T) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

// ── Entity Store ─────────────────────────────────────────────────

func (s *PostgresStore) GetEntity(ctx context.Context, tenant, id string) (*models.Entity, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, tenant, name, description, content, metadata, properties, embedding, created_at, updated_at
		FROM entities WHERE tenant = $1 AND id = $2`, tenant, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Entity: "entity", Key: id}
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var e models.Entity
	var metadata, properties, embedding []byte
	if err := row.Scan(&e.ID, &e.Kind, &e.Tenant, &e.Name, &e.Description, &e.Content,
		&metadata, &properties, &embedding, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(metadata, &e.Metadata)
	unmarshalJSON(properties, &e.Properties)
	unmarshalJSON(embedding, &e.Embedding)
	return &e, nil
}

func (s *PostgresStore) CreateEntity(ctx context.Context, entity *models.Entity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO entities (id, kind, tenant, name, description, content, metadata, properties, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entity.ID, entity.Kind, entity.Tenant, entity.Name, entity.Description, entity.Content,
		marshalJSON(entity.Metadata), marshalJSON(entity.Properties), marshalJSON(entity.Embedding),
		entity.CreatedAt, entity.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &errs.Conflict{Reason: fmt.Sprintf("entity already exists: %s", entity.ID)}
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, entity *models.Entity) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE entities SET name = $3, description = $4, content = $5, metadata = $6,
			properties = $7, embedding = $8, updated_at = $9
		WHERE tenant = $1 AND id = $2`,
		entity.Tenant, entity.ID, entity.Name, entity.Description, entity.Content,
		marshalJSON(entity.Metadata), marshalJSON(entity.Properties), marshalJSON(entity.Embedding),
		entity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errs.NotFound{Entity: "entity", Key: entity.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, tenant, id string) error {
	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM entities WHERE tenant = $1 AND id = $2", tenant, id)
	batch.Queue("DELETE FROM approval_fields WHERE tenant = $1 AND id = $2", tenant, id)
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("delete entity: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListEntitiesByKind(ctx context.Context, tenant string, kind models.EntityKind, filter ListFilter) ([]models.Entity, error) {
	query := `SELECT id, kind, tenant, name, description, content, metadata, properties, embedding, created_at, updated_at
		FROM entities WHERE tenant = $1 AND kind = $2`
	args := []interface{}{tenant, kind}
	query, args = appendSinceAndPage(query, args, filter)
	return s.queryEntities(ctx, query, args...)
}

func (s *PostgresStore) ListAllEntities(ctx context.Context, tenant string, filter ListFilter) ([]models.Entity, error) {
	query := `SELECT id, kind, tenant, name, description, content, metadata, properties, embedding, created_at, updated_at
		FROM entities WHERE tenant = $1`
	args := []interface{}{tenant}
	query, args = appendSinceAndPage(query, args, filter)
	return s.queryEntities(ctx, query, args...)
}

func appendSinceAndPage(query string, args []interface{}, filter ListFilter) (string, []interface{}) {
	if filter.Since != nil {
		args = append(args, *filter.Since)
		query += fmt.Sprintf(" AND updated_at >= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}

func (s *PostgresStore) queryEntities(ctx context.Context, query string, args ...interface{}) ([]models.Entity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// SearchEntities runs an ILIKE keyword match across name/description/content,
// the same fallback MemoryStore offers when no embedder is configured; the
// graph package layers sanitization and RRF fusion with vector results on
// top of whatever this returns.
func (s *PostgresStore) SearchEntities(ctx context.Context, tenant, query string, kinds []models.EntityKind, limit int) ([]models.Entity, error) {
	sqlQuery := `SELECT id, kind, tenant, name, description, content, metadata, properties, embedding, created_at, updated_at
		FROM entities WHERE tenant = $1`
	args := []interface{}{tenant}

	if len(kinds) > 0 {
		strs := make([]string, len(kinds))
		for i, k := range kinds {
			strs[i] = string(k)
		}
		args = append(args, strs)
		sqlQuery += fmt.Sprintf(" AND kind = ANY($%d)", len(args))
	}
	if query != "" {
		args = append(args, "%"+query+"%")
		idx := len(args)
		sqlQuery += fmt.Sprintf(" AND (name ILIKE $%d OR description ILIKE $%d OR content ILIKE $%d)", idx, idx, idx)
	}
	sqlQuery += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		sqlQuery += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryEntities(ctx, sqlQuery, args...)
}

// ── Relationship Store ───────────────────────────────────────────

func (s *PostgresStore) CreateRelationship(ctx context.Context, rel *models.Relationship) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relationships (tenant, id, source, target, kind, weight, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rel.Tenant, rel.ID, rel.Source, rel.Target, rel.Kind, rel.Weight, marshalJSON(rel.Metadata))
	if err != nil {
		if isUniqueViolation(err) {
			return &errs.Conflict{Reason: fmt.Sprintf("relationship already exists: %s->%s (%s)", rel.Source, rel.Target, rel.Kind)}
		}
		return fmt.Errorf("create relationship: %w", err)
	}
	return nil
}

func scanRelationship(row pgx.Row) (*models.Relationship, error) {
	var r models.Relationship
	var metadata []byte
	if err := row.Scan(&r.ID, &r.Tenant, &r.Source, &r.Target, &r.Kind, &r.Weight, &metadata); err != nil {
		return nil, err
	}
	unmarshalJSON(metadata, &r.Metadata)
	return &r, nil
}

func (s *PostgresStore) GetRelationship(ctx context.Context, tenant, id string) (*models.Relationship, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant, source, target, kind, weight, metadata
		FROM relationships WHERE tenant = $1 AND id = $2`, tenant, id)
	r, err := scanRelationship(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Entity: "relationship", Key: id}
		}
		return nil, fmt.Errorf("get relationship: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) FindRelationship(ctx context.Context, tenant, source, target string, kind models.RelationshipKind) (*models.Relationship, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant, source, target, kind, weight, metadata
		FROM relationships WHERE tenant = $1 AND source = $2 AND target = $3 AND kind = $4`,
		tenant, source, target, kind)
	r, err := scanRelationship(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Entity: "relationship", Key: fmt.Sprintf("%s:%s:%s", source, target, kind)}
		}
		return nil, fmt.Errorf("find relationship: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRelationshipsForEntity(ctx context.Context, tenant, entityID string, dir models.Direction) ([]models.Relationship, error) {
	var query string
	switch dir {
	case models.DirOutgoing:
		query = `SELECT id, tenant, source, target, kind, weight, metadata FROM relationships WHERE tenant = $1 AND source = $2`
	case models.DirIncoming:
		query = `SELECT id, tenant, source, target, kind, weight, metadata FROM relationships WHERE tenant = $1 AND target = $2`
	default:
		query = `SELECT id, tenant, source, target, kind, weight, metadata FROM relationships WHERE tenant = $1 AND (source = $2 OR target = $2)`
	}
	rows, err := s.pool.Query(ctx, query, tenant, entityID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	var out []models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteRelationship(ctx context.Context, tenant, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM relationships WHERE tenant = $1 AND id = $2", tenant, id)
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRelationshipsForEntity(ctx context.Context, tenant, entityID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM relationships WHERE tenant = $1 AND (source = $2 OR target = $2)", tenant, entityID)
	if err != nil {
		return fmt.Errorf("delete relationships for entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAllRelationships(ctx context.Context, tenant string) ([]models.Relationship, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, tenant, source, target, kind, weight, metadata
		FROM relationships WHERE tenant = $1`, tenant)
	if err != nil {
		return nil, fmt.Errorf("list all relationships: %w", err)
	}
	defer rows.Close()

	var out []models.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ── Message Store ────────────────────────────────────────────────

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (tenant, agent_id, message_num, role, type, content, tool_use_id, parent_tool_id, is_error, extra, created_at)
		VALUES ($1, $2, COALESCE((SELECT MAX(message_num) FROM messages WHERE tenant = $1 AND agent_id = $2), 0) + 1,
			$3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING message_num`,
		msg.Tenant, msg.AgentID, msg.Role, msg.Type, msg.Content, msg.ToolUseID, msg.ParentToolID,
		msg.IsError, marshalJSON(msg.Extra), msg.CreatedAt)
	if err := row.Scan(&msg.MessageNum); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, tenant, agentID string, since int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, tenant, message_num, role, type, content, tool_use_id, parent_tool_id, is_error, extra, created_at
		FROM messages WHERE tenant = $1 AND agent_id = $2 AND message_num > $3 ORDER BY message_num ASC`,
		tenant, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var extra []byte
		if err := rows.Scan(&m.AgentID, &m.Tenant, &m.MessageNum, &m.Role, &m.Type, &m.Content,
			&m.ToolUseID, &m.ParentToolID, &m.IsError, &extra, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		unmarshalJSON(extra, &m.Extra)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ── Approval Store ───────────────────────────────────────────────

func (s *PostgresStore) CreateApprovalEntity(ctx context.Context, entity *models.Entity, fields models.ApprovalFields) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin approval tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO entities (id, kind, tenant, name, description, content, metadata, properties, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entity.ID, entity.Kind, entity.Tenant, entity.Name, entity.Description, entity.Content,
		marshalJSON(entity.Metadata), marshalJSON(entity.Properties), marshalJSON(entity.Embedding),
		entity.CreatedAt, entity.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return &errs.Conflict{Reason: fmt.Sprintf("approval already exists: %s", entity.ID)}
		}
		return fmt.Errorf("create approval entity: %w", err)
	}

	if err := insertApprovalFields(ctx, tx, entity.Tenant, entity.ID, fields); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertApprovalFields(ctx context.Context, q interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
}, tenant, id string, f models.ApprovalFields) error {
	_, err := q.Exec(ctx, `
		INSERT INTO approval_fields (tenant, id, project_id, agent_id, task_id, approval_type, status,
			priority, title, summary, response_by, responded_at, response_message, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tenant, id, f.ProjectID, f.AgentID, f.TaskID, f.ApprovalType, f.Status, f.Priority,
		f.Title, f.Summary, f.ResponseBy, f.RespondedAt, f.ResponseMessage, f.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert approval fields: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApprovalEntity(ctx context.Context, tenant, id string) (*models.Entity, models.ApprovalFields, error) {
	e, err := s.GetEntity(ctx, tenant, id)
	if err != nil {
		return nil, models.ApprovalFields{}, err
	}
	f, err := s.getApprovalFields(ctx, tenant, id)
	if err != nil {
		return nil, models.ApprovalFields{}, err
	}
	return e, *f, nil
}

func (s *PostgresStore) getApprovalFields(ctx context.Context, tenant, id string) (*models.ApprovalFields, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT project_id, agent_id, task_id, approval_type, status, priority, title, summary,
			response_by, responded_at, response_message, expires_at
		FROM approval_fields WHERE tenant = $1 AND id = $2`, tenant, id)
	var f models.ApprovalFields
	if err := row.Scan(&f.ProjectID, &f.AgentID, &f.TaskID, &f.ApprovalType, &f.Status, &f.Priority,
		&f.Title, &f.Summary, &f.ResponseBy, &f.RespondedAt, &f.ResponseMessage, &f.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Entity: "approval", Key: id}
		}
		return nil, fmt.Errorf("get approval fields: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) UpdateApprovalFields(ctx context.Context, tenant, id string, fields models.ApprovalFields) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_fields SET status = $3, response_by = $4, responded_at = $5, response_message = $6
		WHERE tenant = $1 AND id = $2`,
		tenant, id, fields.Status, fields.ResponseBy, fields.RespondedAt, fields.ResponseMessage)
	if err != nil {
		return fmt.Errorf("update approval fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errs.NotFound{Entity: "approval", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListPendingApprovals(ctx context.Context, tenant, agentID string) ([]models.Entity, error) {
	query := `
		SELECT e.id, e.kind, e.tenant, e.name, e.description, e.content, e.metadata, e.properties, e.embedding, e.created_at, e.updated_at
		FROM entities e JOIN approval_fields f ON f.tenant = e.tenant AND f.id = e.id
		WHERE e.tenant = $1 AND f.status = 'pending'`
	args := []interface{}{tenant}
	if agentID != "" {
		args = append(args, agentID)
		query += fmt.Sprintf(" AND f.agent_id = $%d", len(args))
	}
	return s.queryEntities(ctx, query, args...)
}

// ── Job Store ────────────────────────────────────────────────────

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (tenant, id, kind, args, status, attempts, error, enqueued_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.Tenant, job.ID, job.Kind, marshalJSON(job.Args), job.Status, job.Attempts, job.Error,
		job.EnqueuedAt, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var args []byte
	if err := row.Scan(&j.ID, &j.Tenant, &j.Kind, &args, &j.Status, &j.Attempts, &j.Error,
		&j.EnqueuedAt, &j.StartedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	unmarshalJSON(args, &j.Args)
	return &j, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, tenant, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant, kind, args, status, attempts, error, enqueued_at, started_at, finished_at
		FROM jobs WHERE tenant = $1 AND id = $2`, tenant, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Entity: "job", Key: id}
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, attempts = $4, error = $5, started_at = $6, finished_at = $7
		WHERE tenant = $1 AND id = $2`,
		job.Tenant, job.ID, job.Status, job.Attempts, job.Error, job.StartedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &errs.NotFound{Entity: "job", Key: job.ID}
	}
	return nil
}

func (s *PostgresStore) ListQueuedJobs(ctx context.Context, tenant string, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, kind, args, status, attempts, error, enqueued_at, started_at, finished_at
		FROM jobs WHERE tenant = $1 AND status = $2 ORDER BY enqueued_at ASC LIMIT $3`,
		tenant, models.JobQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ── Session Store ────────────────────────────────────────────────

func (s *PostgresStore) GetSession(ctx context.Context, tenant, agentID string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant, agent_id, runtime_id, created_at, updated_at
		FROM sessions WHERE tenant = $1 AND agent_id = $2`, tenant, agentID)
	var sess models.Session
	if err := row.Scan(&sess.ID, &sess.Tenant, &sess.AgentID, &sess.RuntimeID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errs.NotFound{Entity: "session", Key: agentID}
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, session *models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (tenant, agent_id, id, runtime_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant, agent_id) DO UPDATE SET
			id = EXCLUDED.id, runtime_id = EXCLUDED.runtime_id, updated_at = EXCLUDED.updated_at`,
		session.Tenant, session.AgentID, session.ID, session.RuntimeID, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, tenant, agentID string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM sessions WHERE tenant = $1 AND agent_id = $2", tenant, agentID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ── Vector Doc Store ─────────────────────────────────────────────
//
// Grounded on vectorstore.PgvectorStore's migrate/Upsert/Search shape,
// generalized from its kitchen-keyed standalone driver into the tenant-
// keyed VectorDocStore this store's Store interface exposes directly, so
// C8's retrieval surface runs against the same pool as everything else
// instead of a second connection.

func (s *PostgresStore) UpsertVectorDocs(ctx context.Context, tenant string, docs []models.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO vector_docs (tenant, id, namespace, content, metadata, embedding) VALUES `)
	args := make([]interface{}, 0, len(docs)*6)
	for i, d := range docs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*6 + 1
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5)
		args = append(args, tenant, d.ID, d.Namespace, d.Content, marshalStringMap(d.Metadata), pgvectorArray(d.Embedding))
	}
	sb.WriteString(` ON CONFLICT (tenant, id) DO UPDATE SET
		namespace = EXCLUDED.namespace, content = EXCLUDED.content, metadata = EXCLUDED.metadata, embedding = EXCLUDED.embedding`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	if err != nil {
		return fmt.Errorf("upsert vector docs: %w", err)
	}
	return nil
}

func (s *PostgresStore) SearchVectorDocs(ctx context.Context, tenant string, vector []float64, topK int, namespace string) ([]models.SearchResult, error) {
	query := `SELECT id, content, metadata, 1 - (embedding <=> $1) AS score
		FROM vector_docs WHERE tenant = $2`
	args := []interface{}{pgvectorArray(vector), tenant}
	if namespace != "" {
		args = append(args, namespace)
		query += fmt.Sprintf(" AND namespace = $%d", len(args))
	}
	args = append(args, topK)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search vector docs: %w", err)
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.Content, &metadata, &r.Score); err != nil {
			return nil, fmt.Errorf("scan vector doc: %w", err)
		}
		unmarshalJSON(metadata, &r.Metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteVectorDocs(ctx context.Context, tenant string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM vector_docs WHERE tenant = $1 AND id = ANY($2)", tenant, ids)
	if err != nil {
		return fmt.Errorf("delete vector docs: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountVectorDocs(ctx context.Context, tenant, namespace string) (int64, error) {
	query := "SELECT COUNT(*) FROM vector_docs WHERE tenant = $1"
	args := []interface{}{tenant}
	if namespace != "" {
		args = append(args, namespace)
		query += fmt.Sprintf(" AND namespace = $%d", len(args))
	}
	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count vector docs: %w", err)
	}
	return count, nil
}

// pgvectorArray converts a float64 slice to pgvector's text input format:
// [1,2,3].
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}

func marshalStringMap(m map[string]string) []byte {
	if m == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
