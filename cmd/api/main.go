package main

import (
	"context"
	"flag"
	"log"

	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/api/rest"
	"github.com/literati-app/literati-backend/internal/infrastructure/cache"
	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/infrastructure/database"
	"github.com/literati-app/literati-backend/internal/infrastructure/telemetry"
	"github.com/literati-app/literati-backend/internal/metrics"
	"github.com/literati-app/literati-backend/internal/monitoring"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	zapLogger, err := telemetry.SetupZapLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to set up zap logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx := context.Background()
	provider, err := telemetry.InitializeOpenTelemetry(ctx, "literati-api", cfg)
	if err != nil {
		log.Fatalf("Failed to initialize telemetry: %v", err)
	}
	defer func() {
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	registry, err := metrics.NewRegistry(cfg.Monitoring.MaxLabelCardinality, zapLogger)
	if err != nil {
		log.Fatalf("Failed to create metrics registry: %v", err)
	}

	monitor := monitoring.NewMonitor(cfg.Monitoring, registry, zapLogger)
	monitor.Start(ctx)
	defer monitor.Stop()

	deps := rest.Deps{}

	// Redis and Postgres are optional; the observability surface degrades
	// rather than refusing to start without them.
	if cfg.Redis.URL != "" {
		client, err := cache.NewClient(&cfg.Redis)
		if err != nil {
			zapLogger.Warn("redis unavailable, using in-process rate limiting",
				zap.Error(err))
		} else {
			deps.Cache = cache.NewRedisCacheWithClient(client, registry, zapLogger)
			deps.RateLimiter = cache.NewRedisRateLimiter(client, zapLogger)
			defer deps.Cache.Close()
		}
	}

	if cfg.Database.URL != "" {
		pool, err := database.Connect(ctx, &cfg.Database, zapLogger)
		if err != nil {
			zapLogger.Warn("database unavailable, readiness probe degraded",
				zap.Error(err))
		} else {
			deps.DB = pool
			defer pool.Close()
		}
	}

	server, err := rest.NewServer(cfg, monitor, logger, deps)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
