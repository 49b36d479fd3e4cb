package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/document"
	"github.com/jackzampolin/folio/internal/extract"
	"github.com/jackzampolin/folio/internal/invoker"
	"github.com/jackzampolin/folio/internal/metrics"
	"github.com/jackzampolin/folio/internal/prompt"
	"github.com/jackzampolin/folio/internal/providers"
)

// pipeline is everything one extraction needs, built from config.
type pipeline struct {
	loader    *document.Loader
	extractor *extract.Extractor
	metrics   *metrics.Recorder
	provider  string
	client    providers.ModelClient
}

// buildPipeline wires the provider registry, invoker, prompt builder and
// extractor from cfg. providerName overrides defaults.llm_provider.
func buildPipeline(cfg *config.Config, providerName string, logger *slog.Logger) (*pipeline, error) {
	if providerName == "" {
		providerName = cfg.Defaults.LLMProvider
	}
	if providerName == "" {
		return nil, fmt.Errorf("no provider selected: set defaults.llm_provider or pass --provider")
	}

	registry := providers.NewRegistry()
	registry.SetLogger(logger.With("component", "providers"))
	registry.Reload(cfg.ToProviderRegistryConfig())

	client, err := registry.Get(providerName)
	if err != nil {
		if p, ok := cfg.GetLLMProvider(providerName); ok && p.Enabled && p.Type != providers.MockClientName && config.ResolveEnvVars(p.APIKey) == "" {
			return nil, fmt.Errorf("provider %q has no API key (set %s)", providerName, p.APIKey)
		}
		return nil, fmt.Errorf("provider %q is not available (registered: %v): %w", providerName, registry.List(), err)
	}

	backoff, err := cfg.Defaults.Backoff()
	if err != nil {
		return nil, err
	}

	rec := metrics.NewRecorder()
	inv, err := invoker.New(invoker.Config{
		Client:           client,
		Limiter:          registry.Limiter(providerName),
		TransportRetries: cfg.Defaults.TransportRetries,
		InitialBackoff:   backoff,
		Metrics:          rec,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	builder, err := prompt.NewBuilder(prompt.Config{
		Limits: prompt.Limits{MaxPayloadBytes: cfg.Defaults.MaxPayloadBytes},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	d := cfg.Defaults
	ex, err := extract.New(extract.Config{
		Builder: builder,
		Invoker: inv,
		Metrics: rec,
		Defaults: extract.Options{
			ConsistencyK:      d.ConsistencyK,
			MaxRepairAttempts: d.MaxRepairAttempts,
			Concurrency:       d.Concurrency,
			VoteKeyPath:       d.VoteKeyPath,
			StructuredOutput:  d.StructuredOutput,
			Sampling: invoker.Sampling{
				Temperature: d.Temperature,
				MaxTokens:   d.MaxTokens,
				Timeout:     providerTimeout(cfg, providerName),
			},
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	return &pipeline{
		loader: document.NewLoader(document.Config{
			DPI:      d.DPI,
			MaxPages: d.MaxPages,
			Logger:   logger,
		}),
		extractor: ex,
		metrics:   rec,
		provider:  providerName,
		client:    client,
	}, nil
}

func providerTimeout(cfg *config.Config, name string) time.Duration {
	if p, ok := cfg.GetLLMProvider(name); ok && p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return 0
}
