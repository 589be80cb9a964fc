package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyarb/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until interrupted",
	Long: `Run loads the configuration, connects the ledger backend, restores the
capital checkpoint, resumes open orders and starts the scan loop, the feeds
and the HTTP API. SIGINT or SIGTERM drains in-flight orders and flushes the
ledger before exiting.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	logger.Info("polyarb starting",
		slog.String("mode", cfg.Engine.Mode),
		slog.String("config", configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("polyarb stopped")
	return nil
}
