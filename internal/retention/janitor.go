// Package retention periodically archives and purges entities that have
// aged out of a tenant's graph: checkpoint revisions beyond the retained
// history per agent, and document/chunk revisions superseded by a newer
// crawl of the same source URL. It runs as a background goroutine and
// respects context cancellation for graceful shutdown; archive failures
// are fail-safe, nothing is purged if archiving it first failed.
package retention

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/pkg/models"
)

// DefaultInterval is how often a sweep runs.
const DefaultInterval = time.Hour

// DefaultCheckpointRetention bounds how many checkpoint revisions are
// kept per agent; older ones are archived and purged.
const DefaultCheckpointRetention = 10

// ArchiveDriver persists expired entities somewhere durable before the
// janitor deletes them from the hot graph.
type ArchiveDriver interface {
	Kind() string
	Archive(ctx context.Context, tenant string, kind models.EntityKind, entities []models.Entity) (uri string, err error)
}

// CycleStats tracks what happened in a single retention sweep.
type CycleStats struct {
	CheckpointsArchived int
	CheckpointsPurged   int
	DocumentsArchived   int
	DocumentsPurged     int
	ChunksPurged        int
	Errors              []error
}

// Janitor is tenant-scoped, matching the rest of the core (approvals.Service,
// jobs.Queue, agentrunner.Runner): one instance per tenant, run by the
// process that owns that tenant's background work.
type Janitor struct {
	entities  *graph.Manager
	relations *graph.RelationshipManager
	tenant    string
	interval  time.Duration
	retention int
	archiver  ArchiveDriver
}

// Option configures a Janitor at construction.
type Option func(*Janitor)

// WithInterval overrides the default sweep interval.
func WithInterval(d time.Duration) Option {
	return func(j *Janitor) { j.interval = d }
}

// WithCheckpointRetention overrides how many checkpoints are kept per agent.
func WithCheckpointRetention(n int) Option {
	return func(j *Janitor) { j.retention = n }
}

// WithArchiver registers the archive backend. Without one, expired
// entities are purged without being archived first.
func WithArchiver(a ArchiveDriver) Option {
	return func(j *Janitor) { j.archiver = a }
}

func NewJanitor(entities *graph.Manager, relations *graph.RelationshipManager, tenant string, opts ...Option) *Janitor {
	j := &Janitor{
		entities:  entities,
		relations: relations,
		tenant:    tenant,
		interval:  DefaultInterval,
		retention: DefaultCheckpointRetention,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs the janitor until ctx is canceled, sweeping once immediately
// and then on every tick.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Str("tenant", j.tenant).Dur("interval", j.interval).Msg("retention: janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("tenant", j.tenant).Msg("retention: janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one retention cycle immediately.
func (j *Janitor) Sweep(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{}

	j.sweepCheckpoints(ctx, &stats)
	j.sweepStaleCrawlRevisions(ctx, &stats)

	for _, err := range stats.Errors {
		log.Warn().Err(err).Str("tenant", j.tenant).Msg("retention: cycle error")
	}
	if stats.CheckpointsPurged > 0 || stats.DocumentsPurged > 0 {
		log.Info().
			Str("tenant", j.tenant).
			Int("checkpoints_purged", stats.CheckpointsPurged).
			Int("documents_purged", stats.DocumentsPurged).
			Int("chunks_purged", stats.ChunksPurged).
			Dur("elapsed", time.Since(start)).
			Msg("retention: cycle complete")
	}
	return stats
}

// sweepCheckpoints keeps only the most recent j.retention checkpoints per
// agent, archiving and purging the rest.
func (j *Janitor) sweepCheckpoints(ctx context.Context, stats *CycleStats) {
	checkpoints, err := j.entities.ListByType(ctx, models.EntityCheckpoint, 0, 0, graph.ListFilters{})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("list checkpoints: %w", err))
		return
	}

	byAgent := make(map[string][]models.Entity)
	for _, cp := range checkpoints {
		agentID, _ := cp.Properties["agent_id"].(string)
		byAgent[agentID] = append(byAgent[agentID], cp)
	}

	for _, group := range byAgent {
		sort.Slice(group, func(i, k int) bool { return group[i].CreatedAt.After(group[k].CreatedAt) })
		if len(group) <= j.retention {
			continue
		}
		stale := group[j.retention:]
		j.archiveAndPurge(ctx, models.EntityCheckpoint, stale, &stats.CheckpointsArchived, &stats.CheckpointsPurged, stats)
	}
}

// sweepStaleCrawlRevisions purges document entities (and their chunks)
// superseded by a newer crawl of the same source+URL, keeping only the
// latest revision.
func (j *Janitor) sweepStaleCrawlRevisions(ctx context.Context, stats *CycleStats) {
	docs, err := j.entities.ListByType(ctx, models.EntityDocument, 0, 0, graph.ListFilters{})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("list documents: %w", err))
		return
	}

	type docKey struct{ sourceID, url string }
	byKey := make(map[docKey][]models.Entity)
	for _, d := range docs {
		sourceID, _ := d.Properties["source_id"].(string)
		url, _ := d.Properties["url"].(string)
		k := docKey{sourceID, url}
		byKey[k] = append(byKey[k], d)
	}

	for _, group := range byKey {
		if len(group) <= 1 {
			continue
		}
		sort.Slice(group, func(i, k int) bool { return group[i].CreatedAt.After(group[k].CreatedAt) })
		stale := group[1:]
		j.archiveAndPurge(ctx, models.EntityDocument, stale, &stats.DocumentsArchived, &stats.DocumentsPurged, stats)

		for _, doc := range stale {
			j.purgeOrphanedChunks(ctx, doc.ID, stats)
		}
	}
}

func (j *Janitor) purgeOrphanedChunks(ctx context.Context, documentID string, stats *CycleStats) {
	chunks, err := j.relations.GetForEntity(ctx, documentID, models.DirIncoming, []models.RelationshipKind{models.RelPartOf})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Errorf("list chunks for document %s: %w", documentID, err))
		return
	}
	for _, rel := range chunks {
		if err := j.entities.Delete(ctx, rel.Source); err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("delete chunk %s: %w", rel.Source, err))
			continue
		}
		stats.ChunksPurged++
	}
}

func (j *Janitor) archiveAndPurge(ctx context.Context, kind models.EntityKind, stale []models.Entity, archived, purged *int, stats *CycleStats) {
	if j.archiver != nil {
		if _, err := j.archiver.Archive(ctx, j.tenant, kind, stale); err != nil {
			log.Warn().Err(err).Str("tenant", j.tenant).Str("kind", string(kind)).Msg("retention: archive failed, skipping purge (fail-safe)")
			stats.Errors = append(stats.Errors, fmt.Errorf("archive %s: %w", kind, err))
			return
		}
		*archived += len(stale)
	}
	for _, e := range stale {
		if err := j.entities.Delete(ctx, e.ID); err != nil {
			stats.Errors = append(stats.Errors, fmt.Errorf("delete %s %s: %w", kind, e.ID, err))
			continue
		}
		*purged++
	}
}
