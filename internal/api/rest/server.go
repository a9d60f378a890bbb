package rest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/literati-app/literati-backend/internal/infrastructure/cache"
	"github.com/literati-app/literati-backend/internal/infrastructure/config"
	"github.com/literati-app/literati-backend/internal/infrastructure/database"
	"github.com/literati-app/literati-backend/internal/monitoring"
)

// Deps carries the optional infrastructure the server can run without.
// A nil cache or database simply narrows the export bundle and readiness
// probe.
type Deps struct {
	Cache       cache.Cache
	RateLimiter cache.RateLimiter
	DB          *database.Pool
}

// Server is the HTTP server for the observability surface.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	handler    *MonitoringHandler
	monitor    *monitoring.Monitor
	logger     *slog.Logger
	tracer     trace.Tracer
	stream     *MonitorStream
}

// monitoringRoles may read the protected monitoring surface.
var monitoringRoles = []string{"admin", "operator"}

// NewServer wires the middleware chain and routes.
func NewServer(cfg *config.Config, monitor *monitoring.Monitor, logger *slog.Logger, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor is required")
	}

	handler := NewMonitoringHandler(monitor, deps.Cache, deps.DB)
	stream := NewMonitorStream(monitor, logger)

	authMiddleware := NewAuthMiddleware(&AuthConfig{
		JWTSecret:   []byte(cfg.Security.JWTSecret),
		TokenExpiry: cfg.Security.TokenExpiry,
		Issuer:      "literati-backend",
		Audience:    []string{"api"},
	})

	rateLimiter := newRateLimiterMiddleware(deps.RateLimiter, cfg.Security.RateLimit, monitor)

	server := &Server{
		config:  cfg,
		handler: handler,
		monitor: monitor,
		logger:  logger,
		tracer:  otel.Tracer("api.rest.server"),
		stream:  stream,
	}

	mux := server.setupRoutes(authMiddleware)

	middlewares := []Middleware{
		requestIDMiddleware,
		loggingMiddleware,
		monitorMiddleware(monitor),
		securityHeadersMiddleware,
		corsMiddleware(allowedOrigins(cfg)),
		rateLimiter.Middleware(),
		timeoutMiddleware(30 * time.Second),
		recoveryMiddleware(monitor),
	}

	var h http.Handler = mux
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}

	server.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        h,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return server, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsProduction() {
		return []string{"https://app.literati.com"}
	}
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

// setupRoutes configures all routes. The probe and metrics endpoints are
// public; everything under /api/v1/monitoring needs an operator token.
func (s *Server) setupRoutes(auth *AuthMiddleware) *http.ServeMux {
	mux := http.NewServeMux()

	// Public probes and scrape target
	mux.HandleFunc("GET /metrics", s.handler.handleMetrics)
	mux.HandleFunc("GET /livez", s.handler.handleLivez)
	mux.HandleFunc("GET /readyz", s.handler.handleReadyz)
	mux.HandleFunc("GET /health", s.handler.handleHealth)

	// Protected monitoring surface
	protected := http.NewServeMux()
	protected.HandleFunc("GET /monitoring/dashboard", s.handler.handleDashboard)
	protected.HandleFunc("GET /monitoring/metrics", s.handler.handleMetricsJSON)
	protected.HandleFunc("GET /monitoring/alerts", s.handler.handleAlerts)
	protected.HandleFunc("PATCH /monitoring/alerts/{id}/acknowledge", s.handler.handleAcknowledgeAlert)
	protected.HandleFunc("GET /monitoring/errors", s.handler.handleErrors)
	protected.HandleFunc("GET /monitoring/errors/stats", s.handler.handleErrorStats)
	protected.HandleFunc("GET /monitoring/export", s.handler.handleExport)
	protected.HandleFunc("GET /monitoring/stream", s.stream.HandleWebSocket)

	mux.Handle("/api/v1/",
		http.StripPrefix("/api/v1", auth.Middleware(monitoringRoles...)(protected)))

	return mux
}

// Start runs the server and the monitor stream until an interrupt or a
// listener failure.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting API server",
		"address", s.httpServer.Addr,
		"environment", s.config.Environment,
	)

	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	s.stream.Start(streamCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		return s.Shutdown()
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("shutting down server")
	s.stream.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
