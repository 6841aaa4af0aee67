package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lettinghub/property-query/internal/api"
	"github.com/lettinghub/property-query/internal/cache"
	"github.com/lettinghub/property-query/internal/clickhouse"
	"github.com/lettinghub/property-query/internal/config"
	"github.com/lettinghub/property-query/internal/elasticsearch"
	"github.com/lettinghub/property-query/internal/engine"
	"github.com/lettinghub/property-query/internal/geocode"
	"github.com/lettinghub/property-query/internal/indexing"
	"github.com/lettinghub/property-query/internal/kafka"
	"github.com/lettinghub/property-query/internal/observability"
	"github.com/lettinghub/property-query/internal/registry"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Initialize logger
	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting property query service",
		zap.String("service", cfg.Observability.ServiceName),
	)

	// Initialize tracing
	tracerShutdown, err := observability.InitTracer(cfg.Observability.ServiceName)
	if err != nil {
		logger.Warn("tracing initialization failed, continuing without tracing", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize clients
	redisCache, err := cache.NewRedisCache(cfg.Redis, cfg.Geocoding.CacheTTL, logger)
	if err != nil {
		return fmt.Errorf("initializing redis: %w", err)
	}
	defer redisCache.Close()
	logger.Info("redis geocode cache initialized")

	esClient, err := elasticsearch.NewClient(cfg.Elasticsearch, cfg.Search, logger)
	if err != nil {
		return fmt.Errorf("initializing elasticsearch: %w", err)
	}
	defer esClient.Close()
	logger.Info("elasticsearch client initialized")

	var chClient *clickhouse.Client
	chClient, err = clickhouse.NewClient(cfg.ClickHouse, logger)
	if err != nil {
		logger.Warn("clickhouse initialization failed, analytics will be unavailable", zap.Error(err))
	} else {
		defer chClient.Close()
		if err := chClient.EnsureTables(ctx); err != nil {
			logger.Warn("clickhouse table creation failed", zap.Error(err))
		}
		logger.Info("clickhouse client initialized")
	}

	geocoder := geocode.NewClient(cfg.Geocoding, cfg.Search.CircuitBreaker, redisCache, logger)

	var kbRegistry engine.KBRegistry
	var regClient *registry.Client
	if cfg.Firestore.ProjectID != "" {
		rc, err := registry.NewClient(ctx, cfg.Firestore, logger)
		if err != nil {
			logger.Warn("registry initialization failed, default bounds will be used", zap.Error(err))
		} else {
			defer rc.Close()
			go func() {
				if err := rc.Watch(ctx); err != nil {
					logger.Warn("registry watch stopped", zap.Error(err))
				}
			}()
			regClient = rc
			kbRegistry = rc
			logger.Info("knowledge base registry initialized")
		}
	}

	// Initialize slow query detector
	var analyticsWriter observability.AnalyticsWriter
	if chClient != nil {
		analyticsWriter = chClient
	}
	slowQueryDetector := observability.NewSlowQueryDetector(
		cfg.Search.SlowQuery.WarningThreshold,
		cfg.Search.SlowQuery.CriticalThreshold,
		logger,
		analyticsWriter,
	)

	// Initialize query engine
	eng := engine.New(
		esClient, geocoder, kbRegistry,
		slowQueryDetector, cfg.Search, cfg.Geocoding, logger,
	)

	// Initialize ingest pipeline
	var changelog indexing.ChangelogWriter
	if chClient != nil {
		changelog = chClient
	}
	streamProcessor := indexing.NewStreamProcessor(esClient, changelog, cfg.Elasticsearch, logger)
	defer streamProcessor.Stop()

	consumer := kafka.NewConsumer(cfg.Kafka, streamProcessor.HandleEvent, logger)
	if err := consumer.Start(ctx); err != nil {
		logger.Warn("kafka consumer start failed, ingest pipeline will be unavailable", zap.Error(err))
	} else {
		defer consumer.Stop()
		logger.Info("kafka consumer started")
	}

	// Initialize HTTP server
	var analytics api.AnalyticsReader
	if chClient != nil {
		analytics = chClient
	}
	handler := api.NewHandler(eng, analytics, logger)

	healthHandler := api.NewHealthHandler(logger)
	healthHandler.Register("redis", redisCache)
	healthHandler.RegisterES(esClient)
	if chClient != nil {
		healthHandler.RegisterOptional("clickhouse", chClient)
	}
	if regClient != nil {
		healthHandler.RegisterOptional("registry", regClient)
	}
	healthHandler.Register("kafka", consumer)

	router := api.NewRouter(handler, healthHandler, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	// Graceful shutdown
	logger.Info("starting graceful shutdown", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	// Cancel background operations
	cancel()

	// Shutdown tracing
	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}

	logger.Info("shutdown complete")
	return nil
}
