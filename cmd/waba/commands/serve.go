package commands

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

	"github.com/jchavesmartinez/waba/pkg/waba/channels/whatsapp"
	"github.com/jchavesmartinez/waba/pkg/waba/copilot"
	"github.com/jchavesmartinez/waba/pkg/waba/database"
	"github.com/jchavesmartinez/waba/pkg/waba/gateway"
	"github.com/jchavesmartinez/waba/pkg/waba/scheduler"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `waba serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		Long: `Start the WhatsApp webhook server. Inbound messages are stored,
debounced per user and answered through the Cloud API.

Examples:
  waba serve
  waba serve --config ./config.yaml
  PORT=8080 waba serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, configPath, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg, os.Stdout)
	if configPath != "" {
		logger.Info("config loaded", "path", configPath)
	}

	// ── Resolve secrets ──
	// Audit before resolving so only values written in the file are flagged.
	copilot.AuditSecrets(cfg, logger)
	copilot.ResolveSecrets(cfg, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──
	db, store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// ── Assistant ──
	wa := whatsapp.New(cfg.WhatsApp, logger)
	assistant := copilot.New(cfg, store, wa, logger)

	// ── Maintenance jobs ──
	sched := scheduler.New(logger)
	if cfg.Retention.Enabled {
		job := scheduler.RetentionJob(store, cfg.Retention.ProcessedTTL, logger)
		if err := sched.Add(scheduler.RetentionJobName, cfg.Retention.Schedule, job); err != nil {
			logger.Error("retention job disabled", "error", err)
		}
	}
	sched.Start()

	// ── Gateway ──
	gw := gateway.New(assistant, wa, db, cfg.Gateway, logger)
	gw.SetVersion(version)
	if err := gw.Start(ctx); err != nil {
		shutdown(assistant, sched, nil, db, logger)
		return fmt.Errorf("starting gateway: %w", err)
	}

	logger.Info("waba running",
		"name", cfg.Name,
		"model", cfg.Model,
		"wire_api", cfg.API.WireAPI,
		"debounce", cfg.Queue.Debounce.String(),
		"database", string(db.Type),
	)

	// ── Wait for shutdown ──
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-gw.Err():
			return fmt.Errorf("gateway: %w", err)
		case <-gctx.Done():
			return nil
		}
	})
	runErr := g.Wait()
	if runErr == nil {
		logger.Info("shutdown signal received, stopping...")
	}

	shutdown(assistant, sched, gw, db, logger)
	return runErr
}

// shutdown stops components in dependency order under one deadline.
// Storage closes last since running cycles still write to it.
func shutdown(assistant *copilot.Assistant, sched *scheduler.Scheduler, gw *gateway.Gateway, db *database.Backend, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if gw != nil {
		if err := gw.Stop(ctx); err != nil {
			logger.Warn("gateway stop", "error", err)
		}
	}
	if err := assistant.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("assistant stop", "error", err)
	}
	if err := sched.Stop(ctx); err != nil {
		logger.Warn("scheduler stop", "error", err)
	}
	if err := db.Close(); err != nil {
		logger.Warn("database close", "error", err)
	}
	logger.Info("waba stopped")
}
