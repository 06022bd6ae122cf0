package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/gomh/internal/config"
	"github.com/me/gomh/internal/dispatcher"
	"github.com/me/gomh/internal/scheduler"
	"github.com/me/gomh/internal/store"
)

// Server is the gomh REST API server.
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	config     config.ServerConfig
	startTime  time.Time
	dispatcher *dispatcher.Dispatcher
	store      store.Store
	scheduler  scheduler.Scheduler
	keys       *ProcessorKeyConfig

	// sseInterval is how often execution streams check for changes.
	sseInterval time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithProcessorKeys enables key authentication on processor endpoints.
func WithProcessorKeys(keys *ProcessorKeyConfig) Option {
	return func(s *Server) {
		s.keys = keys
	}
}

// WithSSEInterval sets how often execution streams poll for updates.
func WithSSEInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sseInterval = d
	}
}

// New creates a new Server with all routes registered.
// sched may be nil if no housekeeping is desired (e.g. in tests).
func New(cfg config.ServerConfig, d *dispatcher.Dispatcher, st store.Store, sched scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "server"),
		config:      cfg,
		startTime:   time.Now(),
		dispatcher:  d,
		store:       st,
		scheduler:   sched,
		sseInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// StartScheduler begins the housekeeping loop in a background goroutine.
func (s *Server) StartScheduler(ctx context.Context) {
	if s.scheduler == nil {
		return
	}
	go func() {
		if err := s.scheduler.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("scheduler stopped", "error", err)
		}
	}()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Processors
		r.Route("/processors", func(r chi.Router) {
			auth := processorAuthMiddleware(s.keys, s.logger)
			r.Get("/", s.handleListProcessors)
			r.With(auth).Post("/", s.handleRegisterProcessor)
			r.Route("/{pid}", func(r chi.Router) {
				r.Post("/reclaim", s.handleReclaimProcessor)

				// Endpoints called by processors themselves.
				r.Group(func(r chi.Router) {
					r.Use(auth)
					r.Delete("/", s.handleDeregisterProcessor)
					r.Put("/heartbeat", s.handleHeartbeat)
					r.Get("/cores/{cid}/task", s.handlePollTask)
					r.Put("/cores/{cid}/tasks/{tid}/result", s.handleReportResult)
				})
			})
		})

		// Executions
		r.Route("/executions", func(r chi.Router) {
			r.Get("/", s.handleListExecutions)
			r.Post("/", s.handleStartExecution)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExecution)
				r.Get("/graph", s.handleExportGraph)
				r.Put("/tasks/{tid}/reset", s.handleResetTask)
			})
		})

		// Assets downloaded by processors
		r.Handle("/assets/*", http.StripPrefix("/api/v1/assets/", http.FileServer(http.Dir(s.config.AssetDir))))

		// SSE endpoints for real-time updates
		r.Route("/sse", func(r chi.Router) {
			r.Get("/executions/{id}", s.handleSSEExecution)
		})
	})
}
