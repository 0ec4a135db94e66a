// Package server provides the public entry point for initializing
// Sibyl's core: the entity graph, message bus, approval gate, job
// queue, agent runner, crawler pipeline, and retention janitor. It
// exists in pkg/ (not internal/) so both cmd/server (the API process)
// and cmd/worker (the job-executing process) can build a Core from the
// same wiring instead of duplicating it.
package server

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/internal/agentrunner"
	"github.com/sibylhq/sibyl/internal/api"
	"github.com/sibylhq/sibyl/internal/api/handlers"
	"github.com/sibylhq/sibyl/internal/approvals"
	"github.com/sibylhq/sibyl/internal/bus"
	"github.com/sibylhq/sibyl/internal/config"
	"github.com/sibylhq/sibyl/internal/crawler"
	"github.com/sibylhq/sibyl/internal/embeddings"
	"github.com/sibylhq/sibyl/internal/graph"
	"github.com/sibylhq/sibyl/internal/jobs"
	"github.com/sibylhq/sibyl/internal/retention"
	"github.com/sibylhq/sibyl/internal/router"
	"github.com/sibylhq/sibyl/internal/store"
	"github.com/sibylhq/sibyl/internal/telemetry"
	"github.com/sibylhq/sibyl/pkg/models"

	"net/http"
)

// Core holds every collaborator shared between the API and worker
// processes. Both are built from NewCore; the API process only reads
// Core.Handler(), the worker process calls Core.StartWorkers.
type Core struct {
	Config        *config.Config
	Store         store.Store
	Bus           *bus.Bus
	Entities      *graph.Manager
	Relationships *graph.RelationshipManager
	Approvals     *approvals.Service
	Jobs          *jobs.Queue
	Heartbeat     *agentrunner.HeartbeatMonitor
	Runner        *agentrunner.Runner
	Crawler       *crawler.Pipeline
	Janitor       *retention.Janitor
	ModelRouter   *router.ModelRouter

	shutdownTelemetry func(context.Context) error
}

// NewCore wires every collaborator against cfg and registers the job
// handlers the worker process dispatches into. It does not start any
// background loop — that's StartWorkers's job, so the API process can
// build the exact same graph without also running agent executions.
func NewCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	b := bus.New(dataStore)

	embedder := buildEmbedder()

	entities, err := graph.NewManager(dataStore, embedder, nil, cfg.Tenant)
	if err != nil {
		return nil, fmt.Errorf("init entity manager: %w", err)
	}
	relationships := graph.NewRelationshipManager(dataStore, cfg.Tenant)

	matchers := []approvals.Matcher{
		&approvals.DestructiveCommandMatcher{BashToolName: "Bash"},
		&approvals.FileWriteMatcher{ToolNames: []string{"Write", "Edit", "MultiEdit"}},
		&approvals.ExternalAPIMatcher{ToolName: "WebFetch"},
		&approvals.UserQuestionMatcher{ToolName: "AskUser"},
	}
	approvalSvc := approvals.New(dataStore, b, cfg.Tenant, matchers,
		approvals.WithTimeouts(cfg.Approvals.ApprovalTimeout, cfg.Approvals.QuestionTimeout))

	jobQueue := jobs.New(dataStore, b)

	heartbeat := agentrunner.NewHeartbeatMonitor(entities, b, cfg.Tenant,
		agentrunner.WithHeartbeatInterval(cfg.Agent.HeartbeatInterval),
		agentrunner.WithHeartbeatTimeout(cfg.Agent.HeartbeatTimeout))

	executor := agentrunner.NewLocalExecutor(cfg.Agent.RuntimeCommand)

	var hinter agentrunner.StatusHinter
	modelRouter := buildModelRouter()
	if modelRouter != nil {
		hinter = modelRouter
	}

	runner := agentrunner.New(entities, b, approvalSvc, executor, heartbeat, cfg.Tenant,
		agentrunner.WithStatusHinter(hinter))

	pipeline := crawler.NewPipeline(entities, relationships, dataStore, crawler.NewHTTPFetcher(), embedder, b, cfg.Tenant)

	archivePath := cfg.Retention.ArchivePath
	janitor := retention.NewJanitor(entities, relationships, cfg.Tenant,
		retention.WithInterval(cfg.Retention.Interval),
		retention.WithCheckpointRetention(cfg.Retention.CheckpointRetention),
		retention.WithArchiver(retention.NewLocalFileArchiver(archivePath, cfg.Retention.CompressArchives)))

	c := &Core{
		Config:            cfg,
		Store:             dataStore,
		Bus:               b,
		Entities:          entities,
		Relationships:     relationships,
		Approvals:         approvalSvc,
		Jobs:              jobQueue,
		Heartbeat:         heartbeat,
		Runner:            runner,
		Crawler:           pipeline,
		Janitor:           janitor,
		ModelRouter:       modelRouter,
		shutdownTelemetry: shutdown,
	}
	c.registerJobHandlers()
	return c, nil
}

// registerJobHandlers binds each background job kind to the collaborator
// that actually does the work. Handlers run inside the worker process's
// Queue.Start loop; the API process registers the same handlers but
// never calls Start, so they're simply unused there.
func (c *Core) registerJobHandlers() {
	c.Jobs.Register(models.JobRunAgentExecution, func(ctx context.Context, job *models.Job) error {
		agentID, _ := job.Args["agent_id"].(string)
		prompt, _ := job.Args["prompt"].(string)
		agentType, _ := job.Args["agent_type"].(string)
		projectID, _ := job.Args["project_id"].(string)
		taskID, _ := job.Args["task_id"].(string)
		return c.Runner.Spawn(ctx, agentID, prompt, agentType, projectID, taskID)
	})

	c.Jobs.Register(models.JobResumeAgentExecution, func(ctx context.Context, job *models.Job) error {
		agentID, _ := job.Args["agent_id"].(string)
		prompt, _ := job.Args["prompt"].(string)

		session, err := c.Store.GetSession(ctx, c.Config.Tenant, agentID)
		if err != nil || session == nil {
			return c.Runner.ResumeFromCheckpoint(ctx, agentID, prompt)
		}
		return c.Runner.Resume(ctx, agentID, session.RuntimeID, prompt)
	})

	c.Jobs.Register(models.JobCrawlSource, func(ctx context.Context, job *models.Job) error {
		sourceID, _ := job.Args["source_id"].(string)
		return c.Crawler.Crawl(ctx, sourceID)
	})
}

// Handler builds the HTTP router. Only the API process calls this.
func (c *Core) Handler() http.Handler {
	h := handlers.New(c.Config.Tenant, c.Store, c.Bus, c.Entities, c.Relationships, c.Approvals, c.Jobs)
	return api.NewRouter(c.Config, h)
}

// StartWorkers launches the job queue's worker pool, the heartbeat
// sweep, and the retention janitor. Blocks until ctx is cancelled. Only
// the worker process calls this.
func (c *Core) StartWorkers(ctx context.Context) {
	go c.Heartbeat.Start(ctx)
	go c.Janitor.Start(ctx)
	c.Jobs.Start(ctx, c.Config.Tenant, c.Config.Jobs.Concurrency)
}

// Shutdown flushes telemetry. Safe to call from either process.
func (c *Core) Shutdown(ctx context.Context) error {
	if c.shutdownTelemetry != nil {
		return c.shutdownTelemetry(ctx)
	}
	return nil
}

// buildStore picks the storage backend from cfg.Database.Driver: "memory"
// (default) for the single-process embedded deployment, or "postgres" for
// a durable pgx-backed store shared across API and worker processes.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "postgres":
		log.Info().Str("driver", "postgres").Msg("✅ postgres store initializing")
		return store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.VectorDimensions)
	default:
		log.Info().Str("driver", "memory").Msg("✅ in-memory store initialized")
		return store.NewMemoryStore(), nil
	}
}

// buildEmbedder picks an embedding driver from the environment, mirroring
// the provider-discovery fallback order: OpenAI if OPENAI_API_KEY is
// set, else Ollama if OLLAMA_URL/OLLAMA_HOST is set, else nil (entity
// creation and crawling both degrade gracefully without embeddings —
// search falls back to keyword ranking alone).
func buildEmbedder() graph.Embedder {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		model := os.Getenv("SIBYL_EMBEDDING_MODEL")
		if model == "" {
			model = "text-embedding-3-small"
		}
		log.Info().Str("model", model).Msg("✅ embeddings: using OpenAI driver")
		return embeddings.NewOpenAIDriver(apiKey, model)
	}
	ollamaURL := os.Getenv("OLLAMA_URL")
	if ollamaURL == "" {
		ollamaURL = os.Getenv("OLLAMA_HOST")
	}
	if ollamaURL != "" {
		model := os.Getenv("SIBYL_OLLAMA_EMBED_MODEL")
		if model == "" {
			model = "nomic-embed-text"
		}
		log.Info().Str("model", model).Msg("✅ embeddings: using Ollama driver")
		return embeddings.NewOllamaDriver(ollamaURL, model)
	}
	log.Info().Msg("ℹ️  no embedding driver configured (set OPENAI_API_KEY or OLLAMA_URL) — search runs keyword-only")
	return nil
}

// buildModelRouter wires the same provider-selection order as
// buildEmbedder into the status-hint caller; nil disables hints.
func buildModelRouter() *router.ModelRouter {
	var drivers []router.ProviderDriver
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		drivers = append(drivers, router.NewOpenAIDriver("", apiKey))
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		drivers = append(drivers, router.NewAnthropicDriver("", apiKey))
	}
	ollamaURL := os.Getenv("OLLAMA_URL")
	if ollamaURL == "" {
		ollamaURL = os.Getenv("OLLAMA_HOST")
	}
	if ollamaURL != "" {
		drivers = append(drivers, router.NewOllamaDriver(ollamaURL))
	}
	if len(drivers) == 0 {
		return nil
	}
	model := os.Getenv("SIBYL_HINT_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
	}
	return router.NewModelRouter(drivers, router.WithModel(model))
}
