package main

import (
	"encoding/json"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyarb/internal/config"
)

var configFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print it with secrets masked",
	Long: `Check loads the configuration file, applies .env and POLYARB_*
environment overrides, validates the result and prints the effective
configuration with every credential masked. It exits non-zero on the first
invalid file, listing every problem found.`,
	RunE: runConfigCheck,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCheckCmd)
	configCheckCmd.Flags().StringVar(&configFormat, "format", "toml", "output format: toml, json")
}

func runConfigCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	redacted := config.RedactedConfig(cfg)

	out := cmd.OutOrStdout()
	switch configFormat {
	case "toml":
		if err := toml.NewEncoder(out).Encode(redacted); err != nil {
			return fmt.Errorf("config: encode: %w", err)
		}
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(redacted); err != nil {
			return fmt.Errorf("config: encode: %w", err)
		}
	default:
		return fmt.Errorf("config: unknown format %q", configFormat)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: ok\n", configPath)
	return nil
}
