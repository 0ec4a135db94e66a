package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/errs"
	"github.com/sibylhq/sibyl/pkg/models"
)

// snapshot is the JSON-serializable mirror of everything MemoryStore holds,
// written to disk on a debounced background timer.
type snapshot struct {
	Entities       map[string]*models.Entity          `json:"entities"`
	ApprovalFields map[string]*models.ApprovalFields   `json:"approval_fields"`
	Relationships  map[string]*models.Relationship     `json:"relationships"`
	Messages       map[string][]models.Message         `json:"messages"`
	MessageSeq     map[string]int                      `json:"message_seq"`
	Jobs           map[string]*models.Job              `json:"jobs"`
	Sessions       map[string]*models.Session          `json:"sessions"`
	VectorDocs     map[string]*models.VectorDoc        `json:"vector_docs"`
}

// MemoryStore is the in-process reference Store implementation: a set of
// tenant-keyed maps guarded by one RWMutex, optionally mirrored to a JSON
// snapshot on disk so a restart doesn't lose graph state.
type MemoryStore struct {
	mu sync.RWMutex

	entities       map[string]*models.Entity        // key(tenant, id)
	approvalFields map[string]*models.ApprovalFields // key(tenant, id)
	relationships  map[string]*models.Relationship   // key(tenant, id)
	messages       map[string][]models.Message       // key(tenant, agentID)
	messageSeq     map[string]int                    // key(tenant, agentID)
	jobs           map[string]*models.Job            // key(tenant, id)
	sessions       map[string]*models.Session        // key(tenant, agentID)
	vectorDocs     map[string]*models.VectorDoc      // key(tenant, id)

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewMemoryStore constructs an empty store and, if SIBYL_DATA_DIR is set or
// the default ~/.sibyl data directory is writable, loads an existing
// snapshot and starts the debounced background save loop.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		entities:       make(map[string]*models.Entity),
		approvalFields: make(map[string]*models.ApprovalFields),
		relationships:  make(map[string]*models.Relationship),
		messages:       make(map[string][]models.Message),
		messageSeq:     make(map[string]int),
		jobs:           make(map[string]*models.Job),
		sessions:       make(map[string]*models.Session),
		vectorDocs:     make(map[string]*models.VectorDoc),
		saveCh:         make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
	}

	dataDir := os.Getenv("SIBYL_DATA_DIR")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".sibyl")
		}
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err == nil {
			m.snapshotPath = filepath.Join(dataDir, "graph.json")
			m.loadSnapshot()
			go m.saveLoop()
		} else {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Could not prepare data dir, running without persistence")
		}
	}

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests to at most one disk write per 500ms.
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Entities:       m.entities,
		ApprovalFields: m.approvalFields,
		Relationships:  m.relationships,
		Messages:       m.messages,
		MessageSeq:     m.messageSeq,
		Jobs:           m.jobs,
		Sessions:       m.sessions,
		VectorDocs:     m.vectorDocs,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal graph snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Graph snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No graph snapshot found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read graph snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse graph snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Entities != nil {
		m.entities = snap.Entities
	}
	if snap.ApprovalFields != nil {
		m.approvalFields = snap.ApprovalFields
	}
	if snap.Relationships != nil {
		m.relationships = snap.Relationships
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.MessageSeq != nil {
		m.messageSeq = snap.MessageSeq
	}
	if snap.Jobs != nil {
		m.jobs = snap.Jobs
	}
	if snap.Sessions != nil {
		m.sessions = snap.Sessions
	}
	if snap.VectorDocs != nil {
		m.vectorDocs = snap.VectorDocs
	}

	log.Info().
		Int("entities", len(m.entities)).
		Int("relationships", len(m.relationships)).
		Int("jobs", len(m.jobs)).
		Str("path", m.snapshotPath).
		Msg("Graph snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the background save goroutine and forces a final flush.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}
	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final graph snapshot before shutdown...")
		m.saveSnapshot()
	}
	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ── Entity Store ─────────────────────────────────────────────

func (m *MemoryStore) GetEntity(_ context.Context, tenant, id string) (*models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[key(tenant, id)]
	if !ok {
		return nil, &errs.NotFound{Entity: "entity", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) CreateEntity(_ context.Context, entity *models.Entity) error {
	m.mu.Lock()
	k := key(entity.Tenant, entity.ID)
	if _, exists := m.entities[k]; exists {
		m.mu.Unlock()
		return &errs.Conflict{Reason: fmt.Sprintf("entity already exists: %s", entity.ID)}
	}
	cp := *entity
	m.entities[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateEntity(_ context.Context, entity *models.Entity) error {
	m.mu.Lock()
	k := key(entity.Tenant, entity.ID)
	if _, exists := m.entities[k]; !exists {
		m.mu.Unlock()
		return &errs.NotFound{Entity: "entity", Key: entity.ID}
	}
	cp := *entity
	m.entities[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteEntity(_ context.Context, tenant, id string) error {
	m.mu.Lock()
	delete(m.entities, key(tenant, id))
	delete(m.approvalFields, key(tenant, id))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListEntitiesByKind(_ context.Context, tenant string, kind models.EntityKind, filter ListFilter) ([]models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Entity
	for _, e := range m.entities {
		if e.Tenant != tenant || e.Kind != kind {
			continue
		}
		if filter.Since != nil && e.UpdatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, *e)
	}
	sortEntitiesByCreatedAt(out)
	return paginate(out, filter), nil
}

func (m *MemoryStore) ListAllEntities(_ context.Context, tenant string, filter ListFilter) ([]models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Entity
	for _, e := range m.entities {
		if e.Tenant != tenant {
			continue
		}
		if filter.Since != nil && e.UpdatedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, *e)
	}
	sortEntitiesByCreatedAt(out)
	return paginate(out, filter), nil
}

func sortEntitiesByCreatedAt(es []models.Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].CreatedAt.After(es[j].CreatedAt) })
}

func paginate(es []models.Entity, filter ListFilter) []models.Entity {
	if filter.Offset > 0 {
		if filter.Offset >= len(es) {
			return nil
		}
		es = es[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(es) {
		es = es[:filter.Limit]
	}
	return es
}

// SearchEntities does a naive case-insensitive substring match over name,
// description and content. It is the fallback the embedded deployment uses
// in place of a reranked hybrid search backend; the graph package layers
// sanitization and a positional RRF-style score on top of whatever order
// this returns.
func (m *MemoryStore) SearchEntities(_ context.Context, tenant, query string, kinds []models.EntityKind, limit int) ([]models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allowed := make(map[models.EntityKind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	q := strings.ToLower(query)

	var out []models.Entity
	for _, e := range m.entities {
		if e.Tenant != tenant {
			continue
		}
		if len(allowed) > 0 && !allowed[e.Kind] {
			continue
		}
		if q != "" &&
			!strings.Contains(strings.ToLower(e.Name), q) &&
			!strings.Contains(strings.ToLower(e.Description), q) &&
			!strings.Contains(strings.ToLower(e.Content), q) {
			continue
		}
		out = append(out, *e)
	}
	sortEntitiesByCreatedAt(out)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ── Relationship Store ───────────────────────────────────────

func (m *MemoryStore) CreateRelationship(_ context.Context, rel *models.Relationship) error {
	m.mu.Lock()
	cp := *rel
	m.relationships[key(rel.Tenant, rel.ID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetRelationship(_ context.Context, tenant, id string) (*models.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.relationships[key(tenant, id)]
	if !ok {
		return nil, &errs.NotFound{Entity: "relationship", Key: id}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) FindRelationship(_ context.Context, tenant, source, target string, kind models.RelationshipKind) (*models.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.relationships {
		if r.Tenant == tenant && r.Source == source && r.Target == target && r.Kind == kind {
			cp := *r
			return &cp, nil
		}
	}
	return nil, &errs.NotFound{Entity: "relationship", Key: key(source, target, string(kind))}
}

func (m *MemoryStore) ListRelationshipsForEntity(_ context.Context, tenant, entityID string, dir models.Direction) ([]models.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Relationship
	for _, r := range m.relationships {
		if r.Tenant != tenant {
			continue
		}
		switch dir {
		case models.DirOutgoing:
			if r.Source == entityID {
				out = append(out, *r)
			}
		case models.DirIncoming:
			if r.Target == entityID {
				out = append(out, *r)
			}
		default:
			if r.Source == entityID || r.Target == entityID {
				out = append(out, *r)
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteRelationship(_ context.Context, tenant, id string) error {
	m.mu.Lock()
	delete(m.relationships, key(tenant, id))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteRelationshipsForEntity(_ context.Context, tenant, entityID string) error {
	m.mu.Lock()
	for k, r := range m.relationships {
		if r.Tenant == tenant && (r.Source == entityID || r.Target == entityID) {
			delete(m.relationships, k)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAllRelationships(_ context.Context, tenant string) ([]models.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Relationship
	for _, r := range m.relationships {
		if r.Tenant == tenant {
			out = append(out, *r)
		}
	}
	return out, nil
}

// ── Message Store ─────────────────────────────────────────────

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	seqKey := key(msg.Tenant, msg.AgentID)
	m.messageSeq[seqKey]++
	msg.MessageNum = m.messageSeq[seqKey]
	m.messages[seqKey] = append(m.messages[seqKey], *msg)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, tenant, agentID string, since int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[key(tenant, agentID)]
	var out []models.Message
	for _, msg := range all {
		if msg.MessageNum > since {
			out = append(out, msg)
		}
	}
	return out, nil
}

// ── Approval Store ────────────────────────────────────────────

func (m *MemoryStore) CreateApprovalEntity(_ context.Context, entity *models.Entity, fields models.ApprovalFields) error {
	m.mu.Lock()
	k := key(entity.Tenant, entity.ID)
	cpEntity := *entity
	m.entities[k] = &cpEntity
	cpFields := fields
	m.approvalFields[k] = &cpFields
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetApprovalEntity(_ context.Context, tenant, id string) (*models.Entity, models.ApprovalFields, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k := key(tenant, id)
	e, ok := m.entities[k]
	if !ok {
		return nil, models.ApprovalFields{}, &errs.NotFound{Entity: "approval", Key: id}
	}
	f, ok := m.approvalFields[k]
	if !ok {
		return nil, models.ApprovalFields{}, &errs.NotFound{Entity: "approval", Key: id}
	}
	cpEntity := *e
	return &cpEntity, *f, nil
}

func (m *MemoryStore) UpdateApprovalFields(_ context.Context, tenant, id string, fields models.ApprovalFields) error {
	m.mu.Lock()
	k := key(tenant, id)
	if _, ok := m.entities[k]; !ok {
		m.mu.Unlock()
		return &errs.NotFound{Entity: "approval", Key: id}
	}
	cp := fields
	m.approvalFields[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPendingApprovals(_ context.Context, tenant, agentID string) ([]models.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Entity
	for k, e := range m.entities {
		if e.Tenant != tenant || e.Kind != models.EntityApproval {
			continue
		}
		f, ok := m.approvalFields[k]
		if !ok || f.Status != models.ApprovalPending {
			continue
		}
		if agentID != "" && f.AgentID != agentID {
			continue
		}
		out = append(out, *e)
	}
	return out, nil
}

// ── Job Store ─────────────────────────────────────────────────

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	cp := *job
	m.jobs[key(job.Tenant, job.ID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, tenant, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[key(tenant, id)]
	if !ok {
		return nil, &errs.NotFound{Entity: "job", Key: id}
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	k := key(job.Tenant, job.ID)
	if _, ok := m.jobs[k]; !ok {
		m.mu.Unlock()
		return &errs.NotFound{Entity: "job", Key: job.ID}
	}
	cp := *job
	m.jobs[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListQueuedJobs(_ context.Context, tenant string, limit int) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.Tenant == tenant && j.Status == models.JobQueued {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ── Session Store ─────────────────────────────────────────────

func (m *MemoryStore) GetSession(_ context.Context, tenant, agentID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[key(tenant, agentID)]
	if !ok {
		return nil, &errs.NotFound{Entity: "session", Key: agentID}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpsertSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	cp := *session
	m.sessions[key(session.Tenant, session.AgentID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, tenant, agentID string) error {
	m.mu.Lock()
	delete(m.sessions, key(tenant, agentID))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Vector Doc Store ────────────────────────────────────────────

func (m *MemoryStore) UpsertVectorDocs(_ context.Context, tenant string, docs []models.VectorDoc) error {
	m.mu.Lock()
	for _, d := range docs {
		cp := d
		cp.Tenant = tenant
		m.vectorDocs[key(tenant, d.ID)] = &cp
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) SearchVectorDocs(_ context.Context, tenant string, vector []float64, topK int, namespace string) ([]models.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		doc   *models.VectorDoc
		score float64
	}
	var candidates []scored
	for _, d := range m.vectorDocs {
		if d.Tenant != tenant {
			continue
		}
		if namespace != "" && d.Namespace != namespace {
			continue
		}
		if len(d.Embedding) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{doc: d, score: cosineSimilarity(vector, d.Embedding)})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	if topK > 0 && topK < len(candidates) {
		candidates = candidates[:topK]
	}
	results := make([]models.SearchResult, len(candidates))
	for i, c := range candidates {
		results[i] = models.SearchResult{
			ID:       c.doc.ID,
			Score:    c.score,
			Content:  c.doc.Content,
			Metadata: c.doc.Metadata,
		}
	}
	return results, nil
}

func (m *MemoryStore) DeleteVectorDocs(_ context.Context, tenant string, ids []string) error {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.vectorDocs, key(tenant, id))
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) CountVectorDocs(_ context.Context, tenant, namespace string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, d := range m.vectorDocs {
		if d.Tenant != tenant {
			continue
		}
		if namespace != "" && d.Namespace != namespace {
			continue
		}
		count++
	}
	return count, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Used by the embedded deployment; the pgvector driver pushes
// this down to the database via the <=> operator instead.
func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
