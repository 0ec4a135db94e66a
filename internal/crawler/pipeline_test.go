package crawler_test

import (
	"context"
	"os"
	"testing"

	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/crawler"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/pkg/models"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("SIBYL_DATA_DIR", dir)
	defer os.Unsetenv("SIBYL_DATA_DIR")
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeFetcher struct {
	pages map[string]crawler.Page
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	p, ok := f.pages[url]
	if !ok {
		return crawler.Page{}, os.ErrNotExist
	}
	return p, nil
}

type fakeEmbedder struct{ dims int }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{float64(i), 0.5}
	}
	return out, nil
}

func newSource(t *testing.T, mgr *graph.Manager, id, url string, excludes []string) {
	t.Helper()
	entity := &models.Entity{
		ID:   id,
		Kind: models.EntitySource,
		Name: url,
		Properties: map[string]interface{}{
			"url":              url,
			"exclude_patterns": excludes,
			"max_depth":        1,
		},
	}
	if _, err := mgr.CreateDirect(context.Background(), entity, false); err != nil {
		t.Fatalf("CreateDirect(source) error = %v", err)
	}
}

func TestPipeline_Crawl_IngestsLinkedPagesAndPersistsChunks(t *testing.T) {
	st := newTestStore(t)
	entities, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	rels := graph.NewRelationshipManager(st, "acme")
	b := bus.New(st)

	fetcher := &fakeFetcher{pages: map[string]crawler.Page{
		"https://docs.example.com/": {
			URL:     "https://docs.example.com/",
			Content: "# Intro\n\nSee [guide](https://docs.example.com/guide) for more.",
			Links:   []string{"https://docs.example.com/guide"},
		},
		"https://docs.example.com/guide": {
			URL:     "https://docs.example.com/guide",
			Content: "# Guide\n\n```go\nfmt.Println(\"hi\")\n```\n",
			Links:   nil,
		},
	}}

	newSource(t, entities, "source_1", "https://docs.example.com/", nil)

	p := crawler.NewPipeline(entities, rels, st, fetcher, &fakeEmbedder{dims: 2}, b, "acme")
	if err := p.Crawl(context.Background(), "source_1"); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	source, err := entities.Get(context.Background(), "source_1")
	if err != nil {
		t.Fatalf("Get(source) error = %v", err)
	}
	if status, _ := source.Properties["crawl_status"].(models.CrawlStatus); status != models.CrawlCompleted {
		t.Errorf("crawl_status = %v, want %v", status, models.CrawlCompleted)
	}
	if count, _ := source.Properties["document_count"].(int); count != 2 {
		t.Errorf("document_count = %v, want 2", count)
	}

	docs, err := entities.ListByType(context.Background(), models.EntityDocument, 0, 0, graph.ListFilters{})
	if err != nil {
		t.Fatalf("ListByType(document) error = %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("len(docs) = %d, want 2", len(docs))
	}

	chunks, err := entities.ListByType(context.Background(), models.EntityChunk, 0, 0, graph.ListFilters{})
	if err != nil {
		t.Fatalf("ListByType(chunk) error = %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk entity")
	}

	for _, doc := range docs {
		if doc.Name == "https://docs.example.com/guide" {
			langs, _ := doc.Properties["code_languages"].([]string)
			if len(langs) != 1 || langs[0] != "go" {
				t.Errorf("code_languages = %v, want [go]", langs)
			}
		}
	}
}

func TestPipeline_Crawl_ExcludePatternSkipsLinkedPage(t *testing.T) {
	st := newTestStore(t)
	entities, err := graph.NewManager(st, nil, nil, "acme")
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	rels := graph.NewRelationshipManager(st, "acme")
	b := bus.New(st)

	fetcher := &fakeFetcher{pages: map[string]crawler.Page{
		"https://docs.example.com/": {
			URL:     "https://docs.example.com/",
			Content: "# Intro\n\nSee [draft](https://docs.example.com/draft) for more.",
			Links:   []string{"https://docs.example.com/draft"},
		},
		"https://docs.example.com/draft": {
			URL:     "https://docs.example.com/draft",
			Content: "# Draft\n\nWIP.",
		},
	}}

	newSource(t, entities, "source_2", "https://docs.example.com/", []string{"/draft"})

	p := crawler.NewPipeline(entities, rels, st, fetcher, &fakeEmbedder{dims: 2}, b, "acme")
	if err := p.Crawl(context.Background(), "source_2"); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}

	docs, err := entities.ListByType(context.Background(), models.EntityDocument, 0, 0, graph.ListFilters{})
	if err != nil {
		t.Fatalf("ListByType(document) error = %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("len(docs) = %d, want 1 (draft excluded)", len(docs))
	}
}
