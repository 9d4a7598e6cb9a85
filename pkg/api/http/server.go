package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/application/workers"
	"github.com/aescanero/stepflow/internal/plan"
	"github.com/aescanero/stepflow/pkg/adapters/decision"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP API server
type Server struct {
	router       *gin.Engine
	server       *http.Server
	orchestrator *orchestrator.Manager
	plans        *plan.Loader
	approvals    *decision.Queue
	pool         *workers.Pool
	logger       *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port         int
	Orchestrator *orchestrator.Manager
	Plans        *plan.Loader
	// Approvals enables the approval endpoints when set
	Approvals *decision.Queue
	// Pool reports worker state on /health and /api/v1/workers when set
	Pool *workers.Pool
	// Gatherer serves /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
	// APIToken protects /api/v1 with a bearer token when set
	APIToken string
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	s := &Server{
		router:       router,
		orchestrator: cfg.Orchestrator,
		plans:        cfg.Plans,
		approvals:    cfg.Approvals,
		pool:         cfg.Pool,
		logger:       logger,
	}

	s.setupRoutes(cfg)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(cfg *Config) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	metrics := promhttp.Handler()
	if cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	s.router.GET("/metrics", gin.WrapH(metrics))

	// API v1
	v1 := s.router.Group("/api/v1", AuthMiddleware(cfg.APIToken))
	{
		// Run endpoints
		v1.POST("/runs", s.handleSubmitRun)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)

		// Approval endpoints
		v1.GET("/approvals", s.handleListApprovals)
		v1.GET("/approvals/:id", s.handleGetApproval)
		v1.POST("/approvals/:id/approve", s.handleResolveApproval(true))
		v1.POST("/approvals/:id/deny", s.handleResolveApproval(false))

		// Audit trail
		v1.GET("/audit", s.handleAudit)

		// Workers
		v1.GET("/workers", s.handleListWorkers)
	}
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler { return s.router }

// SetupWebSocket adds the event stream handler to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleWorkflowStream(*gin.Context)
}) {
	s.router.GET("/api/v1/workflows/:id/ws", handler.HandleWorkflowStream)
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		duration := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
			zap.String("client_ip", c.ClientIP()))
	}
}
