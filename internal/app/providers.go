package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/talkbuddy/internal/config"
	"github.com/MrWong99/talkbuddy/internal/gateway"
	"github.com/MrWong99/talkbuddy/pkg/provider/llm"
	"github.com/MrWong99/talkbuddy/pkg/provider/llm/gemini"
	"github.com/MrWong99/talkbuddy/pkg/provider/llm/openai"
)

// RegisterProviders wires the built-in LLM provider factories into reg.
func RegisterProviders(reg *config.Registry) {
	reg.RegisterLLM("gemini", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(context.Background(), entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if t, ok := optFloat(entry.Options, "temperature"); ok {
			opts = append(opts, openai.WithTemperature(t))
		}
		if n, ok := optFloat(entry.Options, "max_tokens"); ok && n > 0 {
			opts = append(opts, openai.WithMaxTokens(int(n)))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// buildSelection instantiates the configured providers in slot priority
// order. Slots without credentials are skipped; a slot whose implementation
// is not registered is skipped with a warning.
func buildSelection(cfg *config.Config, reg *config.Registry) (gateway.Selection, error) {
	sel := gateway.Selection{
		TTS:     cfg.Providers.TTS.Name,
		Timeout: cfg.Server.RequestTimeout,
	}
	entries := map[string]config.ProviderEntry{
		"gemini": cfg.Providers.Gemini,
		"openai": cfg.Providers.OpenAI,
	}
	for _, slot := range gateway.Slots {
		entry := entries[slot]
		if !entry.Configured() {
			continue
		}
		if entry.Name == "" {
			entry.Name = slot
		}
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not registered, skipping", "slot", slot, "name", entry.Name)
			continue
		}
		if err != nil {
			return gateway.Selection{}, fmt.Errorf("app: create %s provider %q: %w", slot, entry.Name, err)
		}
		sel.Providers = append(sel.Providers, p)
		slog.Info("provider created", "slot", slot, "name", entry.Name, "model", entry.Model)
	}
	return sel, nil
}

// optFloat extracts a number from a provider Options map. YAML decodes
// integers as int and decimals as float64; both are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
