package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/dispatchry/internal/campaign"
	"github.com/foxzi/dispatchry/internal/config"
	"github.com/foxzi/dispatchry/internal/customer"
	"github.com/foxzi/dispatchry/internal/ipfilter"
	"github.com/foxzi/dispatchry/internal/metrics"
	"github.com/foxzi/dispatchry/internal/sandbox"
	"github.com/foxzi/dispatchry/internal/template"
)

// Options contains API server dependencies
type Options struct {
	Campaigns *campaign.Service
	Templates *template.Storage
	Customers *customer.Storage
	Sandbox   *sandbox.Storage // nil when the sandbox transport is not in use
	Config    *config.APIConfig
	Version   string
	Logger    *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	campaigns  *campaign.Service
	templates  *template.Storage
	customers  *customer.Storage
	sandbox    *sandbox.Storage
	config     *config.APIConfig
	filter     *ipfilter.Filter
	validate   *validator.Validate
	engine     *template.Engine
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		campaigns: opts.Campaigns,
		templates: opts.Templates,
		customers: opts.Customers,
		sandbox:   opts.Sandbox,
		config:    opts.Config,
		filter:    ipfilter.New(opts.Config.AllowedIPs, opts.Logger),
		validate:  validator.New(),
		engine:    template.NewEngine(),
		version:   opts.Version,
		logger:    opts.Logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.filter.Middleware)
		r.Use(s.authMiddleware)

		r.Route("/batches", func(r chi.Router) {
			r.Post("/estimate", s.handleEstimate)
			r.Post("/", s.handleCreateBatches)
			r.Get("/", s.handleListBatches)
			r.Get("/{id}", s.handleGetBatch)
			r.Post("/{id}/reschedule", s.handleReschedule)
			r.Get("/{id}/messages", s.handleBatchMessages)
		})

		r.Get("/dashboard/stats", s.handleDashboardStats)

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
			r.Post("/{id}/preview", s.handlePreviewTemplate)
		})

		r.Route("/customers", func(r chi.Router) {
			r.Post("/", s.handleImportCustomers)
			r.Post("/upload", s.handleUploadCustomers)
			r.Get("/", s.handleListCustomers)
			r.Get("/classifications", s.handleClassifications)
			r.Delete("/", s.handleClearCustomers)
		})

		if s.sandbox != nil {
			r.Route("/sandbox", func(r chi.Router) {
				r.Get("/messages", s.handleSandboxList)
				r.Get("/messages/{id}", s.handleSandboxGet)
				r.Delete("/messages", s.handleSandboxClear)
				r.Get("/stats", s.handleSandboxStats)
			})
		}
	})
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
