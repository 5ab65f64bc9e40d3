// Package server sets up the HTTP router, middleware, and request handlers
// for the OpenAI-compatible gateway surface.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/gatewayerr"
	"github.com/howard-nolan/llmrouter/internal/pipeline"
	"github.com/howard-nolan/llmrouter/internal/provider"
)

// Server holds the HTTP router and every dependency its handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config

	pipeline *pipeline.Pipeline
	ledger   *admission.Ledger
	limiter  *admission.RateLimiter

	// providers backs /v1/models and /health: the full provider registry,
	// keyed by provider id (not by model — the pipeline routes at the
	// provider granularity, so this is the complete dispatch surface).
	providers map[string]provider.Provider

	keys map[string]config.APIKeyConfig

	promRegistry *prometheus.Registry
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(cfg *config.Config, providers map[string]provider.Provider, p *pipeline.Pipeline, ledger *admission.Ledger, limiter *admission.RateLimiter, promRegistry *prometheus.Registry) *Server {
	s := &Server{
		cfg: cfg, providers: providers, pipeline: p, ledger: ledger, limiter: limiter,
		keys: cfg.Auth.Keys, promRegistry: promRegistry,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions.
func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	if s.promRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/status", s.handleStatus)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/completions", s.handleLegacyCompletions)
		r.Post("/v1/embeddings", s.handleEmbeddings)
		r.Get("/v1/models", s.handleListModels)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ctxKey int

const requestContextKey ctxKey = iota

// writeError renders err using the gateway's standard error envelope.
func writeError(w http.ResponseWriter, err error) {
	gatewayerr.WriteHTTP(w, err)
}
