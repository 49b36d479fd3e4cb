package providers

import (
	"sync"
	"testing"
)

func TestRegistry(t *testing.T) {
	t.Run("register and get", func(t *testing.T) {
		r := NewRegistry()
		mock := NewMockClient()

		r.Register("test", mock, NewRateLimiter(60))

		client, err := r.Get("test")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if client != mock {
			t.Error("got different client than registered")
		}
		if r.Limiter("test") == nil {
			t.Error("expected limiter")
		}
	})

	t.Run("get nonexistent", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Get("nonexistent"); err == nil {
			t.Error("expected error for nonexistent client")
		}
	})

	t.Run("list is sorted", func(t *testing.T) {
		r := NewRegistry()
		r.Register("b", NewMockClient(), nil)
		r.Register("a", NewMockClient(), nil)

		list := r.List()
		if len(list) != 2 || list[0] != "a" || list[1] != "b" {
			t.Errorf("List() = %v", list)
		}
	})

	t.Run("unregister", func(t *testing.T) {
		r := NewRegistry()
		r.Register("gone", NewMockClient(), NewRateLimiter(10))
		r.Unregister("gone")
		if r.Has("gone") {
			t.Error("client still registered")
		}
		if r.Limiter("gone") != nil {
			t.Error("limiter still registered")
		}
	})

	t.Run("concurrent access", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				r.Register("shared", NewMockClient(), nil)
			}()
			go func() {
				defer wg.Done()
				r.Has("shared")
				r.List()
			}()
		}
		wg.Wait()
		if !r.Has("shared") {
			t.Error("expected shared client")
		}
	})
}

func TestRegistryFromConfig(t *testing.T) {
	cfg := RegistryConfig{Providers: map[string]LLMProviderConfig{
		"router":   {Type: OpenRouterName, APIKey: "k1", Model: "google/gemini-2.5-flash", RateLimit: 60, Enabled: true},
		"oai":      {Type: OpenAIName, APIKey: "k2", RateLimit: 30, Enabled: true},
		"local":    {Type: MockClientName, Model: "fake", Enabled: true},
		"disabled": {Type: OpenRouterName, APIKey: "k3", Enabled: false},
		"nokey":    {Type: OpenAIName, Enabled: true},
		"bogus":    {Type: "carrier-pigeon", APIKey: "k4", Enabled: true},
	}}

	r := NewRegistryFromConfig(cfg)

	list := r.List()
	want := []string{"local", "oai", "router"}
	if len(list) != len(want) {
		t.Fatalf("List() = %v, want %v", list, want)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Fatalf("List() = %v, want %v", list, want)
		}
	}

	router, _ := r.Get("router")
	if router.Name() != OpenRouterName || router.Model() != "google/gemini-2.5-flash" {
		t.Errorf("router = %s/%s", router.Name(), router.Model())
	}
	local, _ := r.Get("local")
	if local.Model() != "fake" {
		t.Errorf("mock model = %s", local.Model())
	}
	if st := r.Limiter("oai").Status(); st.TokensLimit != 30 {
		t.Errorf("oai limiter limit = %d", st.TokensLimit)
	}
}

func TestRegistryReload(t *testing.T) {
	cfg := RegistryConfig{Providers: map[string]LLMProviderConfig{
		"router": {Type: OpenRouterName, APIKey: "k1", RateLimit: 60, Enabled: true},
		"oai":    {Type: OpenAIName, APIKey: "k2", Enabled: true},
	}}
	r := NewRegistryFromConfig(cfg)
	r.Register("manual", NewMockClient(), nil)

	before, _ := r.Get("router")
	beforeLimiter := r.Limiter("router")

	t.Run("unchanged config keeps instances", func(t *testing.T) {
		r.Reload(cfg)
		after, _ := r.Get("router")
		if after != before {
			t.Error("client recreated without config change")
		}
		if r.Limiter("router") != beforeLimiter {
			t.Error("limiter recreated without config change")
		}
	})

	t.Run("changed key recreates client", func(t *testing.T) {
		next := RegistryConfig{Providers: map[string]LLMProviderConfig{
			"router": {Type: OpenRouterName, APIKey: "rotated", RateLimit: 60, Enabled: true},
		}}
		r.Reload(next)

		after, _ := r.Get("router")
		if after == before {
			t.Error("client not recreated after key change")
		}
		if r.Limiter("router") != beforeLimiter {
			t.Error("limiter should survive a key change")
		}
		if r.Has("oai") {
			t.Error("removed provider still registered")
		}
		if !r.Has("manual") {
			t.Error("manually registered client should survive reload")
		}
	})

	t.Run("changed rate limit replaces limiter", func(t *testing.T) {
		r.Reload(RegistryConfig{Providers: map[string]LLMProviderConfig{
			"router": {Type: OpenRouterName, APIKey: "rotated", RateLimit: 10, Enabled: true},
		}})
		if r.Limiter("router").Status().TokensLimit != 10 {
			t.Error("limiter not replaced")
		}
	})
}

func TestLoadTestConfig(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "or")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := LoadTestConfig()
	if !cfg.HasOpenRouter() || cfg.HasOpenAI() {
		t.Fatalf("unexpected config %+v", cfg)
	}
	rc := cfg.ToRegistryConfig()
	if len(rc.Providers) != 1 {
		t.Fatalf("providers = %v", rc.Providers)
	}
	if _, ok := rc.Providers[OpenRouterName]; !ok {
		t.Error("missing openrouter provider")
	}
}
