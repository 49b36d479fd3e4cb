package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Schema-driven structured extraction from documents",
	Long: `Folio extracts structured data from scanned PDFs, TIFFs and images using
vision-capable language models, guided by a JSON Schema.

The pipeline includes:
  - Page rasterization and image validation
  - Schema-embedded prompting with a bounded repair loop
  - Optional consistency voting across samples
  - Per-page extraction for array-of-pages schemas`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.folio/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "folio home directory (default: ~/.folio)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "warn", "log level: debug, info, warn or error",
	)

	// Set output format and logging before any command runs
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if _, err := api.ParseOutputFormat(outputFormat); err != nil {
			return err
		}
		api.SetOutputFormat(outputFormat)

		level, err := parseLevel(logLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
			Level: level,
		})))
		return nil
	}

	rootCmd.AddCommand(versionCmd)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid --log-level %q: %w", s, err)
	}
	return level, nil
}

// loadConfig reads the config file from --config, ./config.yaml or the
// home directory.
func loadConfig() (*config.Manager, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err != nil && homeDir != "" {
			h, err := home.New(homeDir)
			if err != nil {
				return nil, err
			}
			if h.ConfigExists() {
				path = h.ConfigPath()
			}
		}
	}
	return config.NewManager(path)
}

// output writes data to the command's stdout in the --output format.
func output(cmd *cobra.Command, data any) error {
	return api.OutputTo(cmd.OutOrStdout(), api.GetOutputFormat(), data)
}
