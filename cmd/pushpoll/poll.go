package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jpalmerr/pushpoll"
	"github.com/jpalmerr/pushpoll/config"
	"github.com/jpalmerr/pushpoll/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// pollCmd runs a long-poll client until interrupted.
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run a long-poll client",
	Long: `Run a pushpoll client from the client section of a config file.

The client keeps one poll request open against base_url, runs the commands
the server pushes and reopens the connection after a random delay.

A failed poll stalls the client. With --resume-after the client retries a
stalled poll after the given interval; without it the client waits until
it is interrupted.

Example:
  pushpoll poll -c config.yaml
  pushpoll poll -c config.yaml --resume-after 30s`,
	RunE: runPoll,
}

func init() {
	rootCmd.AddCommand(pollCmd)

	pollCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	pollCmd.Flags().Duration("resume-after", 0, "retry a stalled poll after this interval (0 disables)")
	_ = pollCmd.MarkFlagRequired("config")
}

func runPoll(cmd *cobra.Command, args []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger := newLogger(verbose)

	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Client == nil {
		return errors.New("config has no client section")
	}
	resumeAfter, _ := cmd.Flags().GetDuration("resume-after")
	if resumeAfter < 0 {
		return fmt.Errorf("--resume-after must not be negative, got %s", resumeAfter)
	}

	opts := config.BuildClientOptions(cfg.Client, cmd.OutOrStdout())
	opts = append(opts, pushpoll.WithLogger(logger))

	var reg *prometheus.Registry
	if cfg.Client.MetricsPort != 0 {
		reg = newRegistry()
		opts = append(opts, pushpoll.WithMetrics(reg))
	}

	client, err := pushpoll.New(cfg.Client.BaseURL, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Start(gctx)
	})

	if reg != nil {
		addr := ":" + strconv.Itoa(cfg.Client.MetricsPort)
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if resumeAfter > 0 {
		g.Go(func() error {
			resumeStalled(gctx, client, resumeAfter, logger)
			return nil
		})
	}

	return g.Wait()
}

// metricsMux serves reg on /metrics the same way the push server does.
func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

// stallable is the part of the client resumeStalled drives.
type stallable interface {
	Stalled() bool
	Resume() bool
	Done() <-chan struct{}
}

// resumeStalled checks every interval whether the client is stalled and
// resumes it. It returns when ctx is done or the client shuts down.
func resumeStalled(ctx context.Context, c stallable, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			return
		case <-ticker.C:
			if c.Stalled() && c.Resume() {
				logger.Info("resumed stalled poll", "interval", interval.String())
			}
		}
	}
}
