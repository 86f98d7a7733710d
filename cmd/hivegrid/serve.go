package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/gateway"
	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/internal/persistence"
	"github.com/hivegrid/hivegrid/internal/runtime"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hivegrid server",
		Long: `Start the hivegrid server: restore persisted state, bring up the root
agent, and serve the HTTP API. Shuts down gracefully on SIGINT/SIGTERM,
taking a final snapshot.`,
		Example: `  # Start with default config
  hivegrid serve

  # Start with a custom config file
  hivegrid serve --config /etc/hivegrid/hivegrid.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "hivegrid.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	_, shutdownTracer, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "hivegrid",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	if err := os.MkdirAll(cfg.Runtime.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}
	store, err := persistence.NewStore(cfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer store.Close()

	coord, err := runtime.NewCoordinator(cfg, logger, metrics, store)
	if err != nil {
		return fmt.Errorf("building runtime: %w", err)
	}
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("starting runtime: %w", err)
	}

	srv, err := gateway.NewServer(coord, logger)
	if err != nil {
		return fmt.Errorf("building http server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutdown signal received", "signal", s.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("runtime shutdown error", "error", err)
		return err
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}
	return nil
}
