// Forged is the generation-run orchestration daemon.
//
// It serves the workspace spec store, the run state machine, and the
// per-run event journal over an HTTP/SSE API.
//
// Configuration is loaded from an optional YAML file and overridden by
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start with defaults
//	forged
//
//	# Configure via file and environment
//	forged -config forged.yaml
//	SERVER_HTTP_PORT=9920 forged
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/artifact"
	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/delta"
	"github.com/fyrsmithlabs/forged/internal/eventbus"
	"github.com/fyrsmithlabs/forged/internal/generation"
	forgedhttp "github.com/fyrsmithlabs/forged/internal/http"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/run"
	"github.com/fyrsmithlabs/forged/internal/selection"
	"github.com/fyrsmithlabs/forged/internal/specstore"
	"github.com/fyrsmithlabs/forged/internal/workspace"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  forged           Start the forged daemon\n")
			fmt.Fprintf(os.Stderr, "  forged version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := runDaemon(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("forged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// runDaemon wires all services and blocks until ctx is canceled.
func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting forged",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("service", cfg.Observability.ServiceName),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout))

	// NATS is optional: without a broker, live feeds come straight from
	// the in-process event bus.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.ReconnectWait(cfg.NATS.ReconnectWait),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		defer nc.Close()
		logger.Info(ctx, "connected to NATS", zap.String("url", cfg.NATS.URL))
	}

	artifacts, err := artifact.Open(cfg.Store.DatabasePath, cfg.Store.BlobDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open artifact store: %w", err)
	}
	defer func() { _ = artifacts.Close() }()

	logger.Info(ctx, "artifact store opened",
		zap.String("database", cfg.Store.DatabasePath),
		zap.String("blob_dir", cfg.Store.BlobDir))

	specs := specstore.New(logger)
	bus := eventbus.New(logger, nc)
	gate := selection.NewGate()
	deltas := delta.NewQueue(specs)
	engine := generation.NewEngine(nil, logger)

	supervisor, err := run.NewSupervisor(
		&run.Config{StepTimeout: cfg.Generation.StepTimeout},
		logger, specs, deltas, gate, artifacts, bus, engine, engine)
	if err != nil {
		return fmt.Errorf("failed to create run supervisor: %w", err)
	}

	srv, err := forgedhttp.NewServer(
		&forgedhttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		logger, workspace.NewRegistry(specs), specs, supervisor, artifacts, bus)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}
