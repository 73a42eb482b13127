package http

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driving"
)

// Pinger is a simple health check interface
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *http.ServeMux
	version    string
	logger     *slog.Logger

	// Services
	dispatcher driving.ToolDispatcher
	jobs       driving.JobService
	conflicts  driving.ConflictService
	schedules  driving.ScheduleService // optional

	// Infrastructure
	auth     driven.AuthAdapter
	audit    driven.AuditStore // optional
	metrics  http.Handler      // optional
	db       Pinger            // PostgreSQL health check
	redis    Pinger            // Redis health check (optional)
	jobQueue Pinger            // job queue health check
}

// Config holds server configuration
type Config struct {
	Host           string
	Port           int
	Version        string
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Host:    "0.0.0.0",
		Port:    8080,
		Version: "dev",
	}
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Dispatcher driving.ToolDispatcher
	Jobs       driving.JobService
	Conflicts  driving.ConflictService
	Schedules  driving.ScheduleService
	Auth       driven.AuthAdapter
	Audit      driven.AuditStore
	Metrics    http.Handler
	DB         Pinger
	Redis      Pinger
	JobQueue   Pinger
	Logger     *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:     http.NewServeMux(),
		version:    cfg.Version,
		logger:     logger,
		dispatcher: deps.Dispatcher,
		jobs:       deps.Jobs,
		conflicts:  deps.Conflicts,
		schedules:  deps.Schedules,
		auth:       deps.Auth,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		db:         deps.DB,
		redis:      deps.Redis,
		jobQueue:   deps.JobQueue,
	}

	s.setupRoutes()

	var handler http.Handler = s.router
	if len(cfg.AllowedOrigins) > 0 {
		handler = NewCORSMiddleware(cfg.AllowedOrigins).Handler(handler)
	}
	handler = NewLoggingMiddleware(logger).Handler(handler)
	handler = NewRecoveryMiddleware(logger).Handler(handler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	authMiddleware := NewAuthMiddleware(s.auth)

	// Health endpoints (no auth)
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("GET /ready", s.handleReady)
	s.router.HandleFunc("GET /version", s.handleVersion)
	s.router.HandleFunc("GET /swagger/doc.json", s.handleSwaggerDoc)
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}

	// Tool protocol boundary (any agent token)
	s.router.Handle("POST /api/v1/tools/call",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleToolCall)))
	s.router.Handle("GET /api/v1/tools",
		authMiddleware.Authenticate(http.HandlerFunc(s.handleListTools)))

	// Operator endpoints
	s.router.Handle("GET /api/v1/tools/invocations",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleListInvocations))))

	s.router.Handle("GET /api/v1/jobs",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleListJobs))))
	s.router.Handle("GET /api/v1/jobs/stats",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleJobStats))))
	s.router.Handle("GET /api/v1/jobs/{id}",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleGetJob))))
	s.router.Handle("POST /api/v1/jobs/{id}/cancel",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleCancelJob))))
	s.router.Handle("POST /api/v1/reconcile",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleTriggerReconcile))))

	if s.schedules != nil {
		s.router.Handle("GET /api/v1/schedules",
			authMiddleware.Authenticate(
				authMiddleware.RequireOperator(http.HandlerFunc(s.handleListSchedules))))
		s.router.Handle("POST /api/v1/schedules/{id}",
			authMiddleware.Authenticate(
				authMiddleware.RequireOperator(http.HandlerFunc(s.handleSetSchedule))))
	}

	s.router.Handle("GET /api/v1/conflicts",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleListConflicts))))
	s.router.Handle("GET /api/v1/conflicts/{id}",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleGetConflict))))
	s.router.Handle("POST /api/v1/conflicts/{id}/resolve",
		authMiddleware.Authenticate(
			authMiddleware.RequireOperator(http.HandlerFunc(s.handleResolveConflict))))
}

// Start starts the HTTP server with graceful shutdown
func (s *Server) Start() error {
	// Channel to listen for OS signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
