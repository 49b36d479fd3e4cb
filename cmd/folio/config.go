package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage folio configuration",
}

var configInitPath string

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write a default config file to ~/.folio/config.yaml (or --path).

API keys are written as ${ENV_VAR} references and resolved at run time.
An existing file is never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configInitPath
		if path == "" {
			h, err := home.New(homeDir)
			if err != nil {
				return err
			}
			if err := h.EnsureExists(); err != nil {
				return err
			}
			path = h.ConfigPath()
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		if api.GetOutputFormat() == api.OutputFormatJSON {
			return output(cmd, map[string]string{"path": path})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		return output(cmd, mgr.Get())
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the effective value of one key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		value, err := mgr.Value(args[0])
		if err != nil {
			return err
		}
		entry := config.Entry{Key: args[0], Value: value}
		if def := config.GetDefault(args[0]); def != nil {
			entry.Description = def.Description
		}
		return output(cmd, entry)
	},
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "List every config key with its default and description",
	RunE: func(cmd *cobra.Command, args []string) error {
		return output(cmd, config.DefaultEntries())
	},
}

func init() {
	configInitCmd.Flags().StringVar(&configInitPath, "path", "", "file to write (default: ~/.folio/config.yaml)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configDefaultsCmd)
	rootCmd.AddCommand(configCmd)
}
