package providers

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry holds model clients and their rate limiters by name.
// It supports config-driven instantiation, hot-reload, and provides thread-safe access.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]ModelClient
	limiters map[string]*RateLimiter
	configs  map[string]LLMProviderConfig
	logger   *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:  make(map[string]ModelClient),
		limiters: make(map[string]*RateLimiter),
		configs:  make(map[string]LLMProviderConfig),
		logger:   slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds a client by name with an optional limiter.
func (r *Registry) Register(name string, client ModelClient, limiter *RateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = client
	if limiter != nil {
		r.limiters[name] = limiter
	} else {
		delete(r.limiters, name)
	}
	delete(r.configs, name)
	r.logger.Info("registered model client", "name", name, "model", client.Model())
}

// Unregister removes a client by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, name)
	delete(r.limiters, name)
	delete(r.configs, name)
	r.logger.Info("unregistered model client", "name", name)
}

// Get returns a client by name.
func (r *Registry) Get(name string) (ModelClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("model client not found: %s", name)
	}
	return client, nil
}

// Limiter returns the rate limiter for a client, or nil.
func (r *Registry) Limiter(name string) *RateLimiter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.limiters[name]
}

// Has checks if a client is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[name]
	return ok
}

// List returns registered client names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	Providers map[string]LLMProviderConfig
}

// LLMProviderConfig matches config.ProviderCfg with a resolved API key.
type LLMProviderConfig struct {
	Type      string // "openrouter", "openai", "mock"
	Model     string
	APIKey    string
	BaseURL   string
	RateLimit int // Requests per minute
	Timeout   time.Duration
	Enabled   bool
}

func (c LLMProviderConfig) usable() bool {
	if !c.Enabled {
		return false
	}
	return c.Type == MockClientName || c.APIKey != ""
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with valid API keys will be registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured will be unregistered.
// Providers with changed settings will be re-registered.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, provCfg := range cfg.Providers {
		if !provCfg.usable() {
			continue
		}
		client := r.clients[name]
		prev, hasPrev := r.configs[name]
		if client != nil && hasPrev && !needsUpdate(prev, provCfg) {
			want[name] = true
			continue
		}

		created := createClient(provCfg)
		if created == nil {
			r.logger.Warn("unknown provider type", "name", name, "type", provCfg.Type)
			continue
		}
		want[name] = true
		r.clients[name] = created
		r.configs[name] = provCfg
		if prev.RateLimit != provCfg.RateLimit || r.limiters[name] == nil {
			r.limiters[name] = NewRateLimiter(provCfg.RateLimit)
		}
		if client != nil {
			r.logger.Info("updated model client", "name", name, "type", provCfg.Type, "model", created.Model())
		} else {
			r.logger.Info("registered model client", "name", name, "type", provCfg.Type, "model", created.Model())
		}
	}

	for name := range r.clients {
		if _, managed := r.configs[name]; !managed {
			continue
		}
		if !want[name] {
			delete(r.clients, name)
			delete(r.limiters, name)
			delete(r.configs, name)
			r.logger.Info("unregistered model client", "name", name)
		}
	}
}

// createClient creates a model client based on provider type.
func createClient(cfg LLMProviderConfig) ModelClient {
	switch cfg.Type {
	case OpenRouterName:
		return NewOpenRouterClient(OpenRouterConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      cfg.Timeout,
		})
	case OpenAIName:
		return NewOpenAIClient(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      cfg.Timeout,
		})
	case MockClientName:
		m := NewMockClient()
		if cfg.Model != "" {
			m.ModelName = cfg.Model
		}
		return m
	default:
		return nil
	}
}

// needsUpdate checks if a client needs to be recreated.
func needsUpdate(prev, next LLMProviderConfig) bool {
	return prev.Type != next.Type ||
		prev.APIKey != next.APIKey ||
		prev.Model != next.Model ||
		prev.BaseURL != next.BaseURL ||
		prev.RateLimit != next.RateLimit ||
		prev.Timeout != next.Timeout
}
