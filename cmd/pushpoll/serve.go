package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/pushpoll/config"
	"github.com/jpalmerr/pushpoll/dashboard"
	"github.com/jpalmerr/pushpoll/internal/metrics"
	"github.com/jpalmerr/pushpoll/internal/server"
	"github.com/jpalmerr/pushpoll/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
)

// serveCmd starts the push server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the push server",
	Long: `Start the pushpoll push server.

The server will:
  - Load the server section of the specified YAML file
  - Hold client polls open until commands are queued for them
  - Accept commands on POST /api/commands
  - Serve the console on the configured port and metrics on /metrics

The server runs until interrupted (Ctrl+C) or receives SIGTERM.

Example:
  pushpoll serve -c config.yaml
  pushpoll serve --config /etc/pushpoll/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = serveCmd.MarkFlagRequired("config")
}

// newRegistry returns a private registry carrying the Go runtime and process
// collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func runServe(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(verbose)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Server == nil {
		return errors.New("config has no server section")
	}

	logger.Info("config loaded",
		"port", cfg.Server.Port,
		"poll_path", cfg.Server.PollPath,
		"hold_timeout", cfg.Server.HoldTimeout.Duration().String(),
		"max_pending", cfg.Server.MaxPending,
		"client_ttl", cfg.Server.ClientTTL.Duration().String(),
	)

	reg := newRegistry()
	m, err := metrics.NewServerMetrics(reg)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	srvCfg := config.BuildServerConfig(cfg.Server)
	srvCfg.Assets = dashboard.Assets
	srvCfg.Metrics = m
	srvCfg.Gatherer = reg

	srv := server.NewServer(store.NewMemoryStore(cfg.Server.MaxPending), srvCfg, logger)

	// set up context with signal handling - cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	// wait for graceful shutdown with timeout
	select {
	case <-srv.Stopped():
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out",
			"timeout", shutdownTimeout.String(),
			"action", "forcing exit",
		)
	}
	return nil
}
