package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/brandlens/brandlens/api/handlers"
	"github.com/brandlens/brandlens/config"
	"github.com/brandlens/brandlens/internal/metrics"
	"github.com/brandlens/brandlens/internal/runstore"
	"github.com/brandlens/brandlens/internal/server"
	"github.com/brandlens/brandlens/internal/telemetry"
	"github.com/brandlens/brandlens/twelvelabs"
	"github.com/brandlens/brandlens/workflow"
)

// =============================================================================
// Server
// =============================================================================

// Server wires the BrandLens service together.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	healthHandler *handlers.HealthHandler
	runHandler    *handlers.RunHandler

	metricsCollector *metrics.Collector
	otelProviders    *telemetry.Providers

	store  runstore.Store
	broker *runstore.Broker

	// runCtx governs background runs; canceled on shutdown.
	runCtx    context.Context
	runCancel context.CancelFunc

	rateLimiterCancel context.CancelFunc
}

// NewServer creates a new server instance.
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) *Server {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
		runCtx:        runCtx,
		runCancel:     runCancel,
	}
}

// =============================================================================
// Startup
// =============================================================================

// Start brings up all components and both listeners.
func (s *Server) Start() error {
	s.metricsCollector = metrics.NewCollector("brandlens", s.logger)

	if err := s.initRunStore(); err != nil {
		return fmt.Errorf("failed to init run store: %w", err)
	}

	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.String("runstore_backend", s.cfg.RunStore.Backend),
	)

	return nil
}

// initRunStore selects the run store backend from configuration.
func (s *Server) initRunStore() error {
	s.broker = runstore.NewBroker()

	switch s.cfg.RunStore.Backend {
	case "redis":
		store, err := runstore.NewRedisStore(runstore.RedisConfig{
			Addr:         s.cfg.RunStore.Redis.Addr,
			Password:     s.cfg.RunStore.Redis.Password,
			DB:           s.cfg.RunStore.Redis.DB,
			PoolSize:     s.cfg.RunStore.Redis.PoolSize,
			MinIdleConns: s.cfg.RunStore.Redis.MinIdleConns,
			TTL:          s.cfg.RunStore.TTL,
		}, s.logger)
		if err != nil {
			return err
		}
		s.store = store
		s.logger.Info("run store initialized",
			zap.String("backend", "redis"),
			zap.String("addr", s.cfg.RunStore.Redis.Addr),
		)
	default:
		store := runstore.NewMemoryStore(s.cfg.RunStore.TTL)
		// Drop a run's event buffer together with its record.
		store.OnEvict(s.broker.Forget)
		s.store = store
		s.logger.Info("run store initialized", zap.String("backend", "memory"))
	}

	return nil
}

// initHandlers builds the TwelveLabs client, the workflow runner and the
// HTTP handlers.
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	if redisStore, ok := s.store.(*runstore.RedisStore); ok {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", redisStore.Ping))
	}

	client, err := twelvelabs.NewClient(twelvelabs.Config{
		APIKey:   s.cfg.TwelveLabs.APIKey,
		BaseURL:  s.cfg.TwelveLabs.BaseURL,
		Timeout:  s.cfg.TwelveLabs.Timeout,
		Recorder: s.metricsCollector,
	}, s.logger)
	if err != nil {
		return err
	}

	runner := workflow.NewRunner(client, workflow.Config{
		PollInterval: s.cfg.Workflow.PollInterval,
		MaxWait:      s.cfg.Workflow.MaxWait,
		Temperature:  s.cfg.Workflow.Temperature,
		IndexPrefix:  s.cfg.Workflow.IndexPrefix,
	}, s.logger)

	// The memory store evicts records itself and tells the broker; the
	// redis store expires records server-side, so the handler runs a
	// matching retention timer for the event buffers.
	var retainEvents time.Duration
	if _, redisBacked := s.store.(*runstore.RedisStore); redisBacked {
		retainEvents = s.cfg.RunStore.TTL
	}

	s.runHandler = handlers.NewRunHandler(handlers.RunHandlerConfig{
		Runner:         runner,
		Store:          s.store,
		Broker:         s.broker,
		Metrics:        s.metricsCollector,
		BaseCtx:        s.runCtx,
		MaxUploadBytes: s.cfg.Server.MaxUploadBytes,
		DefaultPrompt:  s.cfg.Workflow.DefaultPrompt,
		RetainEvents:   retainEvents,
	}, s.logger)

	s.logger.Info("Handlers initialized")
	return nil
}

// =============================================================================
// HTTP server
// =============================================================================

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)

	// API routes
	mux.HandleFunc("POST /v1/analyze", s.runHandler.HandleAnalyze)
	mux.HandleFunc("GET /v1/runs/{id}", s.runHandler.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{id}/events", s.runHandler.HandleEvents)

	// Middleware chain
	skipAuthPaths := []string{"/healthz", "/readyz"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		APIKeyAuth(s.cfg.Server.APIKey, skipAuthPaths, s.logger),
	)

	serverConfig := server.Config{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout: s.cfg.Server.ReadTimeout,
		// WriteTimeout stays at the configured value; zero keeps SSE
		// progress streams open for the lifetime of a run.
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// Metrics server
// =============================================================================

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// Shutdown
// =============================================================================

// WaitForShutdown blocks until a signal arrives, then shuts everything
// down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown stops all components. In-flight background runs are abandoned:
// their remote tasks keep running at TwelveLabs, but no further state is
// recorded locally.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// Stop background runs after the listeners are down.
	s.runCancel()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Run store close error", zap.Error(err))
		}
	}

	if s.otelProviders != nil {
		if err := s.otelProviders.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
