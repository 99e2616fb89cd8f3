package api

import (
	"encoding/json"
	"net/http"

	"github.com/flywheelhq/flywheel/internal/api/handlers"
	"github.com/flywheelhq/flywheel/internal/api/middleware"
	"github.com/flywheelhq/flywheel/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.ActorExtractor)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Episode ingestion
		r.Route("/episodes", func(r chi.Router) {
			r.Post("/", h.IngestEpisode)
			r.Post("/batch", h.IngestBatch)
		})

		// Engine-wide progress
		r.Get("/progress", h.ListProgress)

		// Per-agent state
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Post("/cycles", h.RunCycles)
			r.Get("/progress", h.GetProgress)
			r.Get("/episodes", h.ListEpisodes)
			r.Get("/audit", h.ListAudit)

			r.Route("/context", func(r chi.Router) {
				r.Get("/", h.GetContext)
				r.Get("/versions", h.ListContextVersions)
			})

			r.Route("/dataset", func(r chi.Router) {
				r.Post("/original", h.SeedDataset)
				r.Get("/{collection}", h.GetDataset)
			})
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "flywheel-engine",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "flywheel-engine",
		})
	}
}
