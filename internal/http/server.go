// Package http exposes the orchestrator over a REST-plus-SSE API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/artifact"
	"github.com/fyrsmithlabs/forged/internal/eventbus"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/run"
	"github.com/fyrsmithlabs/forged/internal/specstore"
	"github.com/fyrsmithlabs/forged/internal/workspace"
	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// HeartbeatInterval paces SSE keepalive comments.
	HeartbeatInterval time.Duration
}

// Server provides the HTTP endpoints for forged.
type Server struct {
	echo       *echo.Echo
	logger     *logging.Logger
	config     *Config
	workspaces *workspace.Registry
	specs      *specstore.Store
	runs       *run.Supervisor
	artifacts  *artifact.Registry
	bus        *eventbus.Bus
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(cfg *Config, logger *logging.Logger, workspaces *workspace.Registry, specs *specstore.Store, runs *run.Supervisor, artifacts *artifact.Registry, bus *eventbus.Bus) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if workspaces == nil || specs == nil || runs == nil || bus == nil {
		return nil, fmt.Errorf("workspace registry, spec store, run supervisor, and event bus are required")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9920}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.HTTPErrorHandler = errorHandler(logger)

	s := &Server{
		echo:       e,
		logger:     logger.Named("http"),
		config:     cfg,
		workspaces: workspaces,
		specs:      specs,
		runs:       runs,
		artifacts:  artifacts,
		bus:        bus,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api/v1")

	api.POST("/workspaces", s.handleCreateWorkspace)
	api.GET("/workspaces/:workspace", s.handleGetWorkspace)

	api.GET("/workspaces/:workspace/spec", s.handleGetSpec)
	api.PUT("/workspaces/:workspace/spec", s.handleReplaceSpec)
	api.PATCH("/workspaces/:workspace/spec", s.handlePatchSpec)
	api.GET("/workspaces/:workspace/spec/history", s.handleSpecHistory)
	api.POST("/workspaces/:workspace/spec/rollback", s.handleRollbackSpec)

	api.POST("/workspaces/:workspace/runs", s.handleStartRun)
	api.GET("/runs/:run", s.handleGetRun)
	api.POST("/runs/:run/cancel", s.handleCancelRun)
	api.POST("/runs/:run/approve", s.handleApprove)
	api.POST("/runs/:run/reject", s.handleReject)
	api.POST("/runs/:run/input", s.handleProvideInput)

	api.GET("/runs/:run/selections", s.handlePendingSelections)
	api.POST("/runs/:run/selections/:entity", s.handleSelect)
	api.POST("/runs/:run/selections/:entity/regenerate", s.handleRegenerate)

	api.GET("/runs/:run/events", s.handleEventHistory)
	api.GET("/runs/:run/events/live", s.handleEventsLive)

	api.GET("/runs/:run/artifacts", s.handleListArtifacts)
	api.GET("/runs/:run/artifacts/:artifact", s.handleGetArtifact)
	api.GET("/runs/:run/artifacts/:artifact/content", s.handleArtifactContent)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, v1.HealthResponse{Status: "ok", Service: "forged"})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying mux for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
