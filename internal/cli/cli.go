// ============================================================================
// Bucket-Bridge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the transfer engine
//
// Command Structure:
//   bridge                         # Root command
//   ├── run                        # Start the engine (gRPC, metrics, notify)
//   ├── submit                     # Submit uploads/downloads
//   ├── list                       # List known jobs
//   ├── watch                      # Live progress bars
//   ├── cancel <id>...             # Cancel queued or running jobs
//   ├── retry <id>...              # Re-queue failed jobs
//   ├── clear [id...]              # Forget finished jobs
//   ├── mkbucket <name>            # Create a bucket through an account
//   ├── status                     # Config, persistence and engine counters
//   └── wal dump|stats             # Offline journal inspection
//
// Global flags:
//   --config, -c   config file (default: configs/default.yaml)
//   --addr         engine gRPC address (default: server.addr from config)
//
// run Command:
//   1. Load config (.env + ${VAR} expansion)
//   2. Recover persisted jobs and start the workers
//   3. Start metrics HTTP, gRPC control and NATS forwarding when enabled
//   4. Wait for SIGINT/SIGTERM
//   5. Drain workers, write the final snapshot, close the journal
//
// Every other command except wal talks to a running engine over gRPC.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/bucket-bridge/internal/config"
	"github.com/ChuLiYu/bucket-bridge/internal/controller"
	"github.com/ChuLiYu/bucket-bridge/internal/metrics"
	"github.com/ChuLiYu/bucket-bridge/internal/notify"
	"github.com/ChuLiYu/bucket-bridge/internal/server"
	"github.com/ChuLiYu/bucket-bridge/internal/storage"
	"github.com/ChuLiYu/bucket-bridge/internal/storage/backends"
)

// Version is injected at build time.
var Version = "dev"

// options holds the persistent flags shared by every command.
type options struct {
	configFile string
	addr       string
	timeout    time.Duration
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "bridge",
		Short: "Bucket-Bridge: resumable transfers between local disk and S3",
		Long: `Bucket-Bridge moves files between the local filesystem and S3-compatible
object stores with:
- Bounded concurrency and a per-job state machine
- Automatic retries for transient failures
- Resume of interrupted transfers across restarts
- Prometheus metrics and NATS notifications`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "engine gRPC address (default: server.addr from config)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout for remote calls")

	rootCmd.AddCommand(
		buildRunCommand(opts),
		buildSubmitCommand(opts),
		buildListCommand(opts),
		buildWatchCommand(opts),
		buildCancelCommand(opts),
		buildRetryCommand(opts),
		buildClearCommand(opts),
		buildMkbucketCommand(opts),
		buildStatusCommand(opts),
		buildWALCommand(opts),
	)
	return rootCmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", describe(err))
		return 1
	}
	return 0
}

// ============================================================================
// run 命令
// ============================================================================

func buildRunCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the transfer engine",
		Long:  "Recover persisted jobs, start the workers and serve the control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, opts)
		},
	}
}

func runEngine(ctx context.Context, opts *options) error {
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(slog.New(cfg.Log.Handler(os.Stderr)))
	log := slog.Default()

	reg := metrics.NewRegistry()
	collector := metrics.NewCollector(reg)
	resolver := storage.NewResolver(cfg.Profiles(), backends.Open, cfg.Engine.ClientTTL)

	ctl, err := controller.New(cfg.ToController(), resolver, controller.WithMetrics(collector))
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	log.Info("engine started",
		"config", opts.configFile,
		"workers", cfg.Engine.Workers,
		"queue_capacity", cfg.Engine.QueueCapacity,
		"data_dir", cfg.Persistence.DataDir)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, reg) })
	}
	if cfg.Server.Enabled {
		g.Go(func() error { return server.Serve(gctx, cfg.Server.Addr, ctl) })
	}
	if cfg.Notify.Enabled {
		pub, err := notify.Connect(cfg.Notify.URL, cfg.Notify.Subject)
		if err != nil {
			log.Warn("notifications disabled", "error", err)
		} else {
			defer pub.Close()
			g.Go(func() error { return pub.Forward(gctx, ctl.JobUpdates(gctx)) })
		}
	}

	<-gctx.Done()
	log.Info("shutting down", "drain_timeout", cfg.Engine.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.DrainTimeout+5*time.Second)
	defer cancel()
	shutdownErr := ctl.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(err, shutdownErr)
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	log.Info("engine stopped")
	return nil
}

// ============================================================================
// 連線輔助
// ============================================================================

// resolveAddr returns --addr, or server.addr from the config file.
func (o *options) resolveAddr() (string, error) {
	if o.addr != "" {
		return o.addr, nil
	}
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Server.Addr, nil
}

func (o *options) dial() (*server.Client, error) {
	addr, err := o.resolveAddr()
	if err != nil {
		return nil, err
	}
	return server.Dial(addr)
}

// withClient dials the engine and runs fn under the remote-call timeout.
func (o *options) withClient(ctx context.Context, fn func(context.Context, *server.Client) error) error {
	client, err := o.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(ctx, client)
}
