// Command polyarb is the entry point for the arbitrage engine. The run
// subcommand loads and validates the configuration, wires dependencies, sets
// up signal handling and runs the engine; the others inspect the ledger and
// the configuration offline.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyarb/internal/config"
)

var configPath string

// rootCmd is the base command; it only groups the subcommands.
var rootCmd = &cobra.Command{
	Use:   "polyarb",
	Short: "Multi-strategy prediction-market arbitrage engine",
	Long: `polyarb scans prediction-market order books and exchange price feeds,
runs five arbitrage strategies against them and executes the approved
trades under a shared capital budget.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger returns a JSON logger at the configured level and installs it as
// the default.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}
