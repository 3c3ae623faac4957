package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailmux/mailmux/internal/aggregate"
	"github.com/mailmux/mailmux/internal/api"
	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/scheduler"
	"github.com/mailmux/mailmux/internal/source"
	"github.com/mailmux/mailmux/internal/source/gmail"
	"github.com/mailmux/mailmux/internal/source/imap"
	"github.com/mailmux/mailmux/internal/source/outlook"
	"github.com/mailmux/mailmux/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the mailmux aggregation daemon",
	Long: `Run mailmux as a long-running daemon serving the aggregation API.

The daemon runs in the foreground and performs:
  - HTTP API server on the configured port (default: 8080)
  - Adaptive window aggregation across registered accounts
  - Scheduled maintenance jobs (pattern pruning) when enabled

Enable maintenance in config.toml:
  [maintenance]
  enabled = true
  prune_schedule = "0 3 * * *"   # 3am daily (cron format)
  pattern_ttl_days = 30

Cron format: minute hour day-of-month month day-of-week
  Examples:
    0 3 * * *     = 3:00 AM daily
    */15 * * * *  = Every 15 minutes
    0 0 * * 0     = Midnight on Sundays

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Validate security posture before doing any work
	if err := cfg.Server.ValidateSecure(); err != nil {
		return err
	}

	if cfg.Maintenance.Enabled {
		if err := scheduler.ValidateCronExpr(cfg.Maintenance.PruneSchedule); err != nil {
			return fmt.Errorf("maintenance.prune_schedule: %w", err)
		}
	}

	// Open database
	s, err := store.Open(cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	if err := s.InitSchema(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	engine := newEngine(s)

	// Maintenance scheduler. Left nil when disabled; the API reports
	// it as not running.
	var sched *scheduler.Scheduler
	var apiSched api.MaintenanceScheduler
	if cfg.Maintenance.Enabled {
		sched = scheduler.New().WithLogger(logger)
		ttl := time.Duration(cfg.Maintenance.PatternTTLDays) * 24 * time.Hour
		err := sched.AddJob("prune-patterns", cfg.Maintenance.PruneSchedule, func(ctx context.Context) error {
			pruned, err := s.PrunePatterns(ttl)
			if err != nil {
				return err
			}
			logger.Info("pruned stale fetch patterns", "count", pruned, "ttl", ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("schedule prune job: %w", err)
		}
		apiSched = sched
	}

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if sched != nil {
		sched.Start()
	}

	// Create and start API server
	apiServer := api.NewServer(cfg, engine, s, s, apiSched, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	bindAddr := cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	fmt.Printf("mailmux daemon started\n")
	fmt.Printf("  API server: http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	fmt.Printf("  Data directory: %s\n", cfg.Data.DataDir)
	if stats, err := s.GetStats(); err == nil {
		fmt.Printf("  Accounts: %d (%d connected)\n", stats.AccountCount, stats.ConnectedCount)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	if sched != nil {
		for _, status := range sched.Status() {
			fmt.Printf("  %s: next run at %s\n", status.Name, status.NextRun.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	}

	// Wait for shutdown signal or server error
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		fmt.Printf("\nAPI server error: %v\n", err)
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	// Graceful shutdown
	fmt.Println("Shutting down API server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	if sched != nil {
		fmt.Println("Waiting for running jobs to complete...")
		schedCtx := sched.Stop()

		select {
		case <-schedCtx.Done():
			fmt.Println("Shutdown complete.")
		case <-time.After(30 * time.Second):
			fmt.Println("Shutdown timed out after 30 seconds.")
		}
	} else {
		fmt.Println("Shutdown complete.")
	}

	return nil
}

// newEngine wires the source registry and aggregation engine against
// the store. Shared by serve and the one-shot fetch command.
func newEngine(s *store.Store) *aggregate.Engine {
	registry := source.NewRegistry()
	registry.Register(mail.ProviderGmail, gmail.NewFactory(
		gmail.WithLogger(logger),
		gmail.WithConcurrency(cfg.Fetch.Concurrency),
		gmail.WithRateLimiter(gmail.NewRateLimiter(float64(cfg.Fetch.RateLimitQPS))),
	))
	registry.Register(mail.ProviderOutlook, outlook.NewFactory(
		outlook.WithLogger(logger),
	))
	registry.Register(mail.ProviderIMAP, imap.NewFactory(
		imap.WithLogger(logger),
	))

	return aggregate.New(s, s, registry,
		aggregate.WithLogger(logger),
		aggregate.WithConcurrency(cfg.Fetch.Concurrency),
	)
}
