package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints.
		r.Get("/health", s.handleHealth)

		// Runner endpoints. Registration is open; everything after it
		// authenticates with the issued lease token.
		r.Group(func(r chi.Router) {
			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Runner,
				))
			}

			r.Post("/runners/register", s.handleRunnerRegister)
			r.Post("/runners/heartbeat", s.handleRunnerHeartbeat)

			r.Route("/jobs", func(r chi.Router) {
				r.Use(s.requireLease)

				r.Post("/poll", s.handleJobPoll)
				r.Post("/{id}/renew", s.handleJobRenew)
				r.Post("/{id}/complete", s.handleJobComplete)
				r.Post("/{id}/fail", s.handleJobFail)
			})
		})

		// Ingestion and management endpoints (bearer principal).
		r.Group(func(r chi.Router) {
			r.Use(s.requirePrincipal)

			if s.cfg.Server.RateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(
					s.cfg.Server.RateLimit.Ingest,
				))
			}

			// Test runs and imports.
			r.Post("/test-runs", s.handleCreateTestRun)
			r.Get("/test-runs/{id}", s.handleGetTestRun)
			r.Post("/test-runs/{id}/import", s.handleImport)
			r.Get("/test-runs/{id}/suites", s.handleListSuites)
			r.Get("/test-runs/{id}/case-runs", s.handleListCaseRuns)

			// Case run assignment.
			r.Post("/case-runs/{id}/assign", s.handleAssignCaseRun)

			// Pipelines.
			r.Post("/pipelines", s.handleCreatePipeline)
			r.Get("/pipelines/{id}", s.handleGetPipeline)
			r.Post("/pipelines/{id}/status", s.handlePipelineStatus)
			r.Post("/pipelines/{id}/retry", s.handlePipelineRetry)
			r.Post("/pipelines/{id}/archive", s.handlePipelineArchive)
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the server config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
