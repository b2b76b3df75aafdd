package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/inventory"
)

// DefaultProbeInterval is how often run checks that the server is reachable.
const DefaultProbeInterval = 30 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	MetricsAddr   string
	ProbeInterval time.Duration

	// Ready, when set, receives the metrics listener address once the
	// engine is running (for testing).
	Ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Keep the queue in sync in the foreground",
		Long: `Run the sync orchestrator until interrupted.

A cycle runs at startup, on every reconnect and on the sync interval.
Reachability is probed periodically so reconnects are noticed even
when nothing is being sent.

Example:
  shelfsync run --metrics-addr :9464
  shelfsync run -c shelfsync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides config)")
	cmd.Flags().DurationVar(&opts.ProbeInterval, "probe-interval", DefaultProbeInterval, "how often to check that the server is reachable")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	if opts.ProbeInterval <= 0 {
		f := newFormatter(opts.RootOptions, cmd)
		_ = f.Error(ErrCodeInvalidArgument, "probe interval must be positive", nil)
		return NewExitError(ExitCommandError, "probe interval must be positive")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	s, err := openSession(ctx, opts.RootOptions, cmd, inventory.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer s.close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			s.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	addr := s.config.Metrics.Addr
	if opts.MetricsAddr != "" {
		addr = opts.MetricsAddr
	}
	var metricsAddr string
	if addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = s.formatter.Error(ErrCodeGeneric, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		metricsAddr = ln.Addr().String()
		srv := &http.Server{
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		s.logger.Info("serving metrics", "addr", metricsAddr)
	}

	go s.device.Monitor.Watch(ctx, s.device.API, opts.ProbeInterval)

	s.logger.Info("engine starting",
		"db", s.config.Database,
		"server", s.config.Server.BaseURL,
		"interval", s.config.Sync.Interval.Std(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync running. Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready <- metricsAddr
	}

	if err := s.device.Engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	s.logger.Info("engine stopped gracefully")
	return nil
}
