package api

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sibylhq/sibyl/internal/api/handlers"
	"github.com/sibylhq/sibyl/internal/api/middleware"
	"github.com/sibylhq/sibyl/internal/config"
)

// NewRouter builds the HTTP router exposing the core's entity graph,
// agent lifecycle, approval, and job-status surface.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.TenantExtractor)
	r.Use(middleware.Telemetry)

	// CORS — configurable via SIBYL_CORS_ORIGINS; wildcard disables credentials
	// to comply with the Fetch spec and avoid credential-leak across origins.
	corsOrigins := parseCORSOrigins()
	isWildcard := len(corsOrigins) == 1 && corsOrigins[0] == "*"
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Sibyl-Tenant", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: !isWildcard,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	r.Route("/agents", func(r chi.Router) {
		r.Post("/", h.SpawnAgent)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/resume", h.ResumeAgent)
			r.Post("/cancel", h.CancelAgent)
			r.Get("/messages", h.ListMessages)
		})
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Post("/{id}/respond", h.RespondApproval)
	})
	r.Route("/questions", func(r chi.Router) {
		r.Post("/{id}/respond", h.RespondQuestion)
	})

	r.Route("/entities", func(r chi.Router) {
		r.Get("/", h.ListEntities)
		r.Post("/", h.CreateEntity)
		r.Post("/search", h.SearchEntities)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetEntity)
			r.Patch("/", h.UpdateEntity)
			r.Delete("/", h.DeleteEntity)
			r.Get("/relationships", h.ListEntityRelationships)
		})
	})

	r.Route("/relationships", func(r chi.Router) {
		r.Post("/", h.CreateRelationship)
		r.Delete("/{id}", h.DeleteRelationship)
	})

	r.Get("/jobs/{id}", h.GetJob)

	r.Get("/events", h.Events)

	return r
}

// parseCORSOrigins reads allowed CORS origins from the environment.
// Default: wildcard (open access, no credentials). Set SIBYL_CORS_ORIGINS
// to a comma-separated list to restrict it in production.
func parseCORSOrigins() []string {
	originsEnv := os.Getenv("SIBYL_CORS_ORIGINS")
	if originsEnv == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(originsEnv, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "sibyl",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "sibyl",
		})
	}
}
