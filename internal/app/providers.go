package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/confab/internal/config"
	"github.com/ent0n29/confab/internal/provider"
)

// resolveProviders registers every backend that has enough configuration to
// run, plus mock, and activates the configured default. A configured
// fallback wraps every other backend.
func resolveProviders(cfg config.Config) (*provider.Registry, error) {
	factories := map[string]provider.Factory{}
	var order []string
	add := func(name string, f provider.Factory) {
		factories[name] = f
		order = append(order, name)
	}

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		add("openai", func() (provider.Provider, error) {
			return provider.NewOpenAI(provider.OpenAIConfig{
				Name:         "openai",
				APIKey:       cfg.OpenAIAPIKey,
				BaseURL:      cfg.OpenAIBaseURL,
				Model:        cfg.OpenAIModel,
				ModelPrefix:  "gpt",
				StaticModels: []string{"gpt-3.5-turbo", "gpt-4", "gpt-4o-mini"},
			})
		})
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		add("gemini", func() (provider.Provider, error) {
			return provider.NewGemini(cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel)
		})
	}
	if strings.TrimSpace(cfg.ProviderHTTPURL) != "" {
		add("http", func() (provider.Provider, error) {
			return provider.NewHTTP(cfg.ProviderHTTPURL, "")
		})
	}
	add("mock", func() (provider.Provider, error) { return provider.NewMock(), nil })

	active := cfg.DefaultProvider
	if active == "" || active == "auto" {
		active = "mock"
		if _, ok := factories["openai"]; ok {
			active = "openai"
		}
	}
	if _, ok := factories[active]; !ok {
		return nil, fmt.Errorf("AI_PROVIDER=%s is not configured (available: %s)", active, strings.Join(order, ", "))
	}

	if fb := cfg.FallbackProvider; fb != "" {
		secondary, ok := factories[fb]
		if !ok {
			return nil, fmt.Errorf("AI_FALLBACK_PROVIDER=%s is not configured", fb)
		}
		for _, name := range order {
			if name == fb {
				continue
			}
			primary := factories[name]
			factories[name] = func() (provider.Provider, error) {
				p, err := primary()
				if err != nil {
					return nil, err
				}
				s, err := secondary()
				if err != nil {
					return nil, err
				}
				return provider.NewFallback(p, s), nil
			}
		}
	}

	reg := provider.NewRegistry()
	for _, name := range order {
		reg.Register(name, factories[name])
	}
	if err := reg.Switch(active); err != nil {
		return nil, err
	}
	return reg, nil
}
