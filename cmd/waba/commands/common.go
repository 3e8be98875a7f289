package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jchavesmartinez/waba/pkg/waba/conversation"
	"github.com/jchavesmartinez/waba/pkg/waba/copilot"
	"github.com/jchavesmartinez/waba/pkg/waba/database"
)

// resolveConfig loads the file named by --config, or an auto-discovered
// one, overlaid with the environment. Running without any file is valid.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = copilot.FindConfigFile()
	}

	cfg, err := copilot.LoadConfig(configPath)
	if err != nil {
		if configPath != "" {
			return nil, "", fmt.Errorf("loading config from %s: %w", configPath, err)
		}
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

// newLogger builds the process logger from the logging section. --verbose
// forces debug level.
func newLogger(cmd *cobra.Command, cfg *copilot.Config, w io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg *copilot.Config, logger *slog.Logger) (*database.Backend, *conversation.Store, error) {
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrator.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, conversation.NewFromBackend(db, logger), nil
}

// setupStore is the shared prologue of the store inspection commands.
func setupStore(cmd *cobra.Command) (*database.Backend, *conversation.Store, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd, cfg, os.Stderr)
	if v, _ := cmd.Root().PersistentFlags().GetBool("verbose"); !v {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return openStore(cmd.Context(), cfg, logger)
}
