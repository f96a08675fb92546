// SPDX-License-Identifier: MIT

// Package api exposes the control surface: project CRUD, run control,
// result listings, file streaming, and the WebSocket gateway mount.
//
// Handlers validate input, call one store or pool operation, and encode
// the result. Pipeline work never runs on a request goroutine.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/internal/content"
	"github.com/clipforge/clipforge/internal/datasync"
	"github.com/clipforge/clipforge/internal/health"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/meta"
	"github.com/clipforge/clipforge/internal/metrics"
	"github.com/clipforge/clipforge/internal/worker"
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Meta    *meta.Store
	Content *content.Store
	Pool    *worker.Pool
	Syncer  *datasync.Syncer
	Health  *health.Manager

	// Gateway serves the WebSocket endpoint. Optional: nil leaves /ws
	// unrouted, which some tests and the CLI-only deployments want.
	Gateway http.Handler

	// Metrics serves the Prometheus scrape endpoint. Optional.
	Metrics http.Handler

	Config config.Config
}

// Validate reports the first missing required dependency by name.
func (d Deps) Validate() error {
	switch {
	case d.Meta == nil:
		return apperr.New(apperr.Internal, "api deps: Meta is nil")
	case d.Content == nil:
		return apperr.New(apperr.Internal, "api deps: Content is nil")
	case d.Pool == nil:
		return apperr.New(apperr.Internal, "api deps: Pool is nil")
	case d.Syncer == nil:
		return apperr.New(apperr.Internal, "api deps: Syncer is nil")
	case d.Health == nil:
		return apperr.New(apperr.Internal, "api deps: Health is nil")
	}
	return nil
}

// Server is the assembled HTTP surface.
type Server struct {
	deps   Deps
	logger zerolog.Logger
	router chi.Router
}

// New validates deps and builds the router.
func New(deps Deps) (*Server, error) {
	if err := deps.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		deps:   deps,
		logger: log.WithComponent("api"),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in a server tuned for long uploads and
// long-lived WebSocket connections: header reads time out, bodies do not.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(realIP(s.deps.Config.TrustedProxies, s.logger))
	r.Use(requestLogger(s.logger))
	r.Use(recoverer(s.logger))
	r.Use(otelhttp.NewMiddleware("clipforge.api"))
	r.Use(metrics.HTTPMiddleware(routePattern))

	// Probes and scrape stay outside the API prefix.
	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	if s.deps.Gateway != nil {
		r.Handle("/ws", s.deps.Gateway)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		r.Get("/projects", s.handleListProjects)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Get("/projects/{id}/clips", s.handleListClips)
		r.Get("/projects/{id}/collections", s.handleListCollections)
		r.Get("/projects/{id}/tasks", s.handleListTasks)
		r.Get("/projects/{id}/size", s.handleProjectSize)
		r.Get("/files/projects/{id}/clips/{clipID}", s.handleClipFile)
		r.Get("/files/projects/{id}/collections/{collectionID}", s.handleCollectionFile)

		// Mutations share a per-client budget so a misfiring script cannot
		// flood the queues.
		r.Group(func(r chi.Router) {
			if limit := s.deps.Config.APIRateLimit; limit > 0 {
				r.Use(httprate.Limit(limit, time.Minute,
					httprate.WithKeyFuncs(httprate.KeyByIP),
					httprate.WithLimitHandler(s.handleRateLimited),
				))
			}
			r.Post("/projects", s.handleCreateProject)
			r.Post("/projects/{id}/process", s.handleProcessProject)
			r.Post("/projects/{id}/retry", s.handleRetryProject)
			r.Post("/projects/{id}/cancel", s.handleCancelProject)
			r.Post("/projects/{id}/sync", s.handleSyncProject)
			r.Delete("/projects/{id}", s.handleDeleteProject)
			r.Patch("/collections/{id}/reorder", s.handleReorderCollection)
			r.Delete("/clips/{id}", s.handleDeleteClip)
			r.Delete("/collections/{id}", s.handleDeleteCollection)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperr.Newf(apperr.NotFound, "no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apperr.Newf(apperr.InvalidArgument, "method %s not allowed", r.Method))
	})
	return r
}

func (s *Server) handleRateLimited(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusTooManyRequests, errorBody{
		Error:     "rate limit exceeded, slow down",
		Kind:      string(apperr.Busy),
		RequestID: log.RequestIDFromContext(r.Context()),
	})
}

// routePattern extracts the chi route template after routing so metric
// label cardinality stays bounded.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}
