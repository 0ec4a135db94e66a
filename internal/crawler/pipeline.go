// Package crawler implements C8: for each source entity, fetch its pages,
// dedupe by content hash, chunk the markdown body, embed the chunks, and
// persist document/chunk entities (plus a vector-store shadow for fast
// top-k search), reporting progress over the message bus.
package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

// Embedder generates a vector embedding per input text, in order.
// Satisfied by internal/embeddings drivers.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// MaxBatchSize is optionally implemented by an Embedder to bound how many
// texts are embedded in a single call; Pipeline falls back to a sane
// default batch size when an embedder doesn't implement it.
type batchSizer interface {
	MaxBatchSize() int
}

const defaultEmbedBatchSize = 64

// Pipeline crawls sources for a single tenant.
type Pipeline struct {
	entities      *graph.Manager
	relationships *graph.RelationshipManager
	vectorDocs    store.VectorDocStore
	fetcher       Fetcher
	embedder      Embedder
	bus           *bus.Bus
	tenant        string
	chunker       ChunkerConfig
}

func NewPipeline(entities *graph.Manager, relationships *graph.RelationshipManager, vectorDocs store.VectorDocStore, fetcher Fetcher, embedder Embedder, b *bus.Bus, tenant string) *Pipeline {
	return &Pipeline{
		entities:      entities,
		relationships: relationships,
		vectorDocs:    vectorDocs,
		fetcher:       fetcher,
		embedder:      embedder,
		bus:           b,
		tenant:        tenant,
		chunker:       DefaultChunkerConfig(),
	}
}

// Crawl runs the full pipeline for one source entity: fetch pages up to
// maxDepth respecting include/exclude patterns, dedupe by content hash,
// chunk + embed + persist each new page as a document with its chunks.
func (p *Pipeline) Crawl(ctx context.Context, sourceID string) error {
	source, err := p.entities.Get(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("get source: %w", err)
	}

	url := stringProp(source, "url")
	includes := stringSliceProp(source, "include_patterns")
	excludes := stringSliceProp(source, "exclude_patterns")
	maxDepth := intProp(source, "max_depth", 1)

	if _, err := p.entities.Update(ctx, sourceID, map[string]interface{}{"crawl_status": models.CrawlInProgress}); err != nil {
		return fmt.Errorf("mark crawl in_progress: %w", err)
	}

	seenHashes := make(map[string]bool)
	visited := make(map[string]bool)
	queue := []depthURL{{url: url, depth: 0}}

	var documentCount, chunkCount int
	var lastErr error

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if visited[cur.url] {
			continue
		}
		visited[cur.url] = true

		if len(excludes) > 0 && matchesAny(cur.url, excludes) {
			continue
		}
		if len(includes) > 0 && !matchesAny(cur.url, includes) {
			continue
		}

		page, err := p.fetcher.Fetch(ctx, cur.url)
		if err != nil {
			log.Warn().Err(err).Str("url", cur.url).Str("source_id", sourceID).Msg("crawler: fetch failed, skipping page")
			lastErr = err
			continue
		}

		hash := contentHash(page.Content)
		if seenHashes[hash] {
			continue
		}
		seenHashes[hash] = true

		docID, nChunks, err := p.ingestPage(ctx, sourceID, page, hash)
		if err != nil {
			log.Warn().Err(err).Str("url", cur.url).Str("source_id", sourceID).Msg("crawler: ingest failed, skipping page")
			lastErr = err
			continue
		}
		documentCount++
		chunkCount += nChunks

		p.bus.Publish(ctx, p.tenant, models.Event{
			Name: models.EventCrawlProgress,
			Data: map[string]interface{}{
				"source_id":  sourceID,
				"document_id": docID,
				"url":        cur.url,
				"documents":  documentCount,
				"chunks":     chunkCount,
			},
		})

		if cur.depth < maxDepth {
			for _, link := range page.Links {
				if !visited[link] {
					queue = append(queue, depthURL{url: link, depth: cur.depth + 1})
				}
			}
		}
	}

	status := models.CrawlCompleted
	lastErrMsg := ""
	if lastErr != nil {
		if documentCount == 0 {
			status = models.CrawlFailed
		} else {
			status = models.CrawlPartial
		}
		lastErrMsg = lastErr.Error()
	}

	now := time.Now()
	if _, err := p.entities.Update(ctx, sourceID, map[string]interface{}{
		"crawl_status":    status,
		"last_crawled_at": now,
		"document_count":  documentCount,
		"chunk_count":     chunkCount,
		"last_error":      lastErrMsg,
	}); err != nil {
		return fmt.Errorf("finalize source status: %w", err)
	}

	return nil
}

type depthURL struct {
	url   string
	depth int
}

// ingestPage persists one page as a document entity with its chunks,
// embedding each chunk and shadowing it into the vector store.
func (p *Pipeline) ingestPage(ctx context.Context, sourceID string, page Page, hash string) (docID string, chunkCount int, err error) {
	docID = "document_" + uuid.NewString()[:12]
	now := time.Now()

	docEntity := &models.Entity{
		ID:        docID,
		Kind:      models.EntityDocument,
		Tenant:    p.tenant,
		Name:      page.URL,
		Content:   page.Content,
		CreatedAt: now,
		Properties: map[string]interface{}{
			"source_id":     sourceID,
			"url":           page.URL,
			"content_hash":  hash,
			"headings":      extractHeadings(page.Content),
			"links":         extractLinks(page.Content),
			"code_languages": extractCodeLanguages(page.Content),
		},
	}
	if _, err := p.entities.CreateDirect(ctx, docEntity, false); err != nil {
		return "", 0, fmt.Errorf("create document entity: %w", err)
	}
	if _, err := p.relationships.Create(ctx, &models.Relationship{Source: docID, Target: sourceID, Kind: models.RelBelongsTo}); err != nil {
		log.Warn().Err(err).Str("document_id", docID).Msg("crawler: failed to link document to source")
	}

	chunks := ChunkText(page.Content, p.chunker)
	if len(chunks) == 0 {
		return docID, 0, nil
	}

	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return docID, 0, fmt.Errorf("embed chunks: %w", err)
	}

	vectorDocs := make([]models.VectorDoc, 0, len(chunks))
	for i, chunk := range chunks {
		chunkID := fmt.Sprintf("chunk_%s_%d", uuid.NewString()[:8], i)
		chunkEntity := &models.Entity{
			ID:        chunkID,
			Kind:      models.EntityChunk,
			Tenant:    p.tenant,
			Name:      fmt.Sprintf("%s#%d", page.URL, i),
			Content:   chunk.Text,
			CreatedAt: now,
			Properties: map[string]interface{}{
				"document_id": docID,
				"source_id":   sourceID,
				"index":       chunk.Index,
			},
		}
		if i < len(vectors) {
			chunkEntity.Embedding = vectors[i]
		}
		if _, err := p.entities.CreateDirect(ctx, chunkEntity, false); err != nil {
			log.Warn().Err(err).Str("chunk_id", chunkID).Msg("crawler: failed to create chunk entity")
			continue
		}
		if _, err := p.relationships.Create(ctx, &models.Relationship{Source: chunkID, Target: docID, Kind: models.RelPartOf}); err != nil {
			log.Warn().Err(err).Str("chunk_id", chunkID).Msg("crawler: failed to link chunk to document")
		}

		if i < len(vectors) {
			vectorDocs = append(vectorDocs, models.VectorDoc{
				ID:        chunkID,
				Tenant:    p.tenant,
				Namespace: sourceID,
				Content:   chunk.Text,
				Embedding: vectors[i],
				Metadata:  map[string]string{"document_id": docID, "source_id": sourceID},
			})
		}
		chunkCount++
	}

	if len(vectorDocs) > 0 {
		if err := p.vectorDocs.UpsertVectorDocs(ctx, p.tenant, vectorDocs); err != nil {
			log.Warn().Err(err).Str("document_id", docID).Msg("crawler: failed to shadow chunks into vector store")
		}
	}

	return docID, chunkCount, nil
}

func (p *Pipeline) embedChunks(ctx context.Context, chunks []TextChunk) ([][]float64, error) {
	batchSize := defaultEmbedBatchSize
	if bs, ok := p.embedder.(batchSizer); ok {
		if n := bs.MaxBatchSize(); n > 0 {
			batchSize = n
		}
	}

	var vectors [][]float64
	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-i)
		for j, c := range chunks[i:end] {
			texts[j] = c.Text
		}
		batch, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func stringProp(e *models.Entity, key string) string {
	if e.Properties == nil {
		return ""
	}
	s, _ := e.Properties[key].(string)
	return s
}

func stringSliceProp(e *models.Entity, key string) []string {
	if e.Properties == nil {
		return nil
	}
	switch v := e.Properties[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intProp(e *models.Entity, key string, def int) int {
	if e.Properties == nil {
		return def
	}
	switch v := e.Properties[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return def
	}
}
