package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/providers"
)

// providerInfo describes one registered model client.
type providerInfo struct {
	Name      string                       `json:"name"`
	Type      string                       `json:"type"`
	Model     string                       `json:"model"`
	RateLimit *providers.RateLimiterStatus `json:"rate_limit,omitempty"`
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured model providers that are ready to use",
	Long: `List the model providers from config that are enabled and have an API key.

Providers whose ${ENV_VAR} key resolves to an empty value are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}

		registry := providers.NewRegistryFromConfig(mgr.Get().ToProviderRegistryConfig())

		out := make([]providerInfo, 0)
		for _, name := range registry.List() {
			client, err := registry.Get(name)
			if err != nil {
				continue
			}
			info := providerInfo{Name: name, Type: client.Name(), Model: client.Model()}
			if l := registry.Limiter(name); l != nil {
				status := l.Status()
				info.RateLimit = &status
			}
			out = append(out, info)
		}
		return output(cmd, out)
	},
}

func init() {
	rootCmd.AddCommand(providersCmd)
}
