package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/stepflow/internal/application/orchestrator"
	"github.com/aescanero/stepflow/internal/application/workers"
	"github.com/aescanero/stepflow/internal/config"
	"github.com/aescanero/stepflow/internal/plan"
	memoryevents "github.com/aescanero/stepflow/pkg/adapters/events/memory"
	redisevents "github.com/aescanero/stepflow/pkg/adapters/events/redis"
	"github.com/aescanero/stepflow/pkg/adapters/metrics/prometheus"
	memorystorage "github.com/aescanero/stepflow/pkg/adapters/storage/memory"
	redisstorage "github.com/aescanero/stepflow/pkg/adapters/storage/redis"
	"github.com/aescanero/stepflow/pkg/api/grpc"
	"github.com/aescanero/stepflow/pkg/api/http"
	"github.com/aescanero/stepflow/pkg/api/websocket"
	"github.com/aescanero/stepflow/pkg/ports"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Long: `Start the HTTP, WebSocket and gRPC surfaces and a worker pool that
executes submitted plans. Configuration is read from the environment.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), root.cfg, root.logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	logger.Info("starting stepflow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime))

	// Initialize Redis client
	var redisClient *goredis.Client
	if cfg.UsesRedis() {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		// Test Redis connection
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to Redis", zap.Error(err))
			return err
		}
		logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	// Initialize adapters
	var eventBus ports.EventBus
	if cfg.Redis.Events {
		// no consumer group: every subscriber sees every event
		bus, err := redisevents.NewStreamsEventBus(redisClient, "", "", logger)
		if err != nil {
			logger.Error("failed to create event bus", zap.Error(err))
			return err
		}
		eventBus = bus
	} else {
		eventBus = memoryevents.NewInMemoryEventBus()
	}

	var jobStorage ports.JobStorage
	if cfg.Storage.Backend == config.StorageRedis {
		jobStorage = redisstorage.NewJobStorage(redisClient, cfg.Storage.JobTTL, logger)
	} else {
		jobStorage = memorystorage.NewInMemoryJobStorage(cfg.Storage.MaxJobRecords)
	}

	registry := promclient.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsCollector := prometheus.NewCollector(registry)

	agent, err := newAgent(cfg, logger)
	if err != nil {
		logger.Warn("query steps are disabled", zap.Error(err))
		agent = offlineAgent(cfg, err, logger)
	}

	approvals, err := newApprovalSource(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create approval source", zap.Error(err))
		return err
	}
	defer approvals.stop()

	// Initialize application components
	runner := orchestrator.NewRunner(
		newPolicy(cfg, logger),
		approvals.source,
		orchestrator.WithMetrics(metricsCollector),
		orchestrator.WithEventSink(eventBus, cfg.Runner.EventTopic),
		orchestrator.WithLogger(logger),
		orchestrator.WithEventBufferSize(cfg.Runner.EventBufferSize),
		orchestrator.WithApprovalTimeout(cfg.Runner.ApprovalTimeout),
	)

	orchestratorMgr := orchestrator.NewManager(
		runner,
		jobStorage,
		metricsCollector,
		orchestrator.NewValidator(),
		logger,
		cfg.Workers.QueueSize,
		cfg.Timeouts.RunTimeout,
	)

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		orchestratorMgr,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)

	// Start worker pool
	if err := workerPool.Start(); err != nil {
		logger.Error("failed to start worker pool", zap.Error(err))
		return err
	}

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:         cfg.HTTPPort,
		Orchestrator: orchestratorMgr,
		Plans:        plan.NewLoader(agent, logger, plan.WithAllowedDSNs(cfg.APIAllowedDSNs...)),
		Approvals:    approvals.queue,
		Pool:         workerPool,
		Gatherer:     registry,
		APIToken:     cfg.APIToken,
		Logger:       logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(eventBus, cfg.Runner.EventTopic, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:     cfg.GRPCPort,
		Checker:  workerPool.Health(),
		Interval: cfg.Workers.HealthCheckInterval,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create gRPC server", zap.Error(err))
		return err
	}

	// Start servers
	errCh := make(chan error, 2)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("stepflow started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize),
		zap.String("approval_source", cfg.Approval.Source),
		zap.String("storage_backend", cfg.Storage.Backend))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.Error("server failed", zap.Error(serveErr))
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	// Shutdown components
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	if err := orchestratorMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("orchestrator shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := eventBus.Close(); err != nil {
		logger.Error("event bus close error", zap.Error(err))
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Redis close error", zap.Error(err))
		}
	}

	logger.Info("stepflow shut down complete")
	return serveErr
}
