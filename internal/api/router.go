package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/docpipe/internal/api/middleware"
)

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Pipeline *PipelineHandler
	Health   http.Handler
	Metrics  http.Handler
	Auth     *middleware.AuthMiddleware
	Logger   *slog.Logger
	// RequestTimeout bounds each API request. Zero disables the limit.
	RequestTimeout time.Duration
}

// NewRouter builds the chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Trace(cfg.Logger))
	r.Use(chimiddleware.Recoverer)

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/health", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		}
		r.Use(cfg.Auth.Authenticate)

		r.Post("/batches", cfg.Pipeline.CreateBatch)
		r.Get("/batches/{batchID}", cfg.Pipeline.GetBatch)
		r.Post("/batches/{batchID}/cancel", cfg.Pipeline.CancelBatch)

		r.Post("/chains", cfg.Pipeline.CreateChain)
		r.Get("/chains/{chainID}", cfg.Pipeline.GetChain)
		r.Post("/chains/{chainID}/cancel", cfg.Pipeline.CancelChain)
	})

	return r
}
