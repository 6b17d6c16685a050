// Package server provides the HTTP status API for billsync.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aristath/billsync/internal/database"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/events"
	"github.com/aristath/billsync/internal/ledger"
	"github.com/aristath/billsync/internal/report"
	"github.com/aristath/billsync/internal/scheduler"
)

// RunTrigger starts runs and reports on the active one. runner.Runner implements it.
type RunTrigger interface {
	Start(ctx context.Context) (string, error)
	Running() bool
	Last() *report.Report
}

// RunReader reads persisted runs. ledger.Repository implements it.
type RunReader interface {
	LatestRun(ctx context.Context) (*report.Report, error)
	ListRuns(ctx context.Context, limit int) ([]ledger.RunInfo, error)
	Summaries(ctx context.Context, runID string) ([]domain.AccountSummary, error)
	Errors(ctx context.Context, runID string) ([]report.ErrorEntry, error)
	Records(ctx context.Context, runID string, platform domain.Platform) ([]domain.BillRecord, error)
}

// JobLister lists scheduled jobs. scheduler.Scheduler implements it.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// Config holds server configuration
type Config struct {
	Log      zerolog.Logger
	Port     int
	Runner   RunTrigger
	Runs     RunReader
	LedgerDB *database.DB        // optional, for /api/system
	Bus      *events.Bus         // optional, enables the event feeds
	Jobs     JobLister           // optional
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	DevMode  bool

	// BaseContext parents runs started from the API; canceling it stops them
	BaseContext context.Context
}

// Server represents the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	port     int
	runner   RunTrigger
	runs     RunReader
	ledgerDB *database.DB
	bus      *events.Bus
	jobs     JobLister
	gatherer prometheus.Gatherer
	baseCtx  context.Context
	started  time.Time
	system   *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}

	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		port:     cfg.Port,
		runner:   cfg.Runner,
		runs:     cfg.Runs,
		ledgerDB: cfg.LedgerDB,
		bus:      cfg.Bus,
		jobs:     cfg.Jobs,
		gatherer: cfg.Gatherer,
		baseCtx:  cfg.BaseContext,
		started:  time.Now(),
	}
	s.system = NewSystemHandlers(cfg.Log, cfg.LedgerDB, cfg.Jobs, cfg.Runner)

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	// WriteTimeout stays 0: the event feeds hold their responses open until
	// the base context is canceled
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router,
		BaseContext:       func(net.Listener) context.Context { return cfg.BaseContext },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Location"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5, "application/json"))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleTriggerRun)
			r.Get("/latest", s.handleLatestRun)
			r.Get("/{runID}/records", s.handleRunRecords)
		})
		r.Get("/summaries", s.handleSummaries)
		r.Get("/errors", s.handleErrors)
		r.Get("/system", s.system.HandleSystemStatus)

		if s.bus != nil {
			r.Get("/events/stream", NewEventsStreamHandler(s.bus, s.log).ServeHTTP)
			r.Get("/events/ws", NewEventsSocketHandler(s.bus, s.log).ServeHTTP)
		}
	})
}

// Handler exposes the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
