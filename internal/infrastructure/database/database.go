package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/literati-app/literati-backend/internal/infrastructure/config"
)

// Pool wraps the pgx connection pool. Readiness probes ping it and the
// export bundle includes its stats; query execution stays with the feature
// services that own their SQL.
type Pool struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// Connect parses the URL, applies pool sizing from config and verifies the
// connection before returning.
func Connect(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*Pool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database config is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	poolCfg.MaxConnIdleTime = 10 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second
	poolCfg.ConnConfig.RuntimeParams = map[string]string{
		"application_name":  "literati_backend",
		"timezone":          "UTC",
		"statement_timeout": "30s",
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connection pool initialized",
		zap.Int32("max_conns", poolCfg.MaxConns))

	return &Pool{pool: pool, logger: logger}, nil
}

// Pgx exposes the underlying pool for callers that execute queries.
func (p *Pool) Pgx() *pgxpool.Pool {
	return p.pool
}

// Ping verifies the database is reachable; used by the readiness probe.
func (p *Pool) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Stats reports pool state for the export bundle.
func (p *Pool) Stats() map[string]interface{} {
	s := p.pool.Stat()
	return map[string]interface{}{
		"acquired_conns":     s.AcquiredConns(),
		"idle_conns":         s.IdleConns(),
		"total_conns":        s.TotalConns(),
		"max_conns":          s.MaxConns(),
		"acquire_count":      s.AcquireCount(),
		"empty_acquire_wait": s.EmptyAcquireCount(),
	}
}

// Close shuts the pool down.
func (p *Pool) Close() {
	p.pool.Close()
	p.logger.Info("database connection pool closed")
}
