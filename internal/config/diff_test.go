package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/talkbuddy/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.Gemini = config.ProviderEntry{Name: "gemini", APIKey: "k", Model: "m"}
	cfg.Providers.OpenAI = config.ProviderEntry{Name: "openai", Model: "gpt"}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Any() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Fatal("expected LogLevelChanged")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel: got %q, want debug", d.NewLogLevel)
	}
	if d.ProvidersChanged {
		t.Error("providers should be unchanged")
	}
}

func TestDiff_Providers(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.OpenAI.APIKey = "sk-new"

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Fatal("expected ProvidersChanged")
	}
	if !slices.Equal(d.ChangedProviders, []string{"openai"}) {
		t.Errorf("ChangedProviders: got %v, want [openai]", d.ChangedProviders)
	}
}

func TestDiff_ProviderOptions(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Providers.Gemini.Options = map[string]any{"temperature": 0.5}
	new.Providers.Gemini.Options = map[string]any{"temperature": 0.9}

	d := config.Diff(old, new)
	if !slices.Equal(d.ChangedProviders, []string{"gemini"}) {
		t.Errorf("ChangedProviders: got %v, want [gemini]", d.ChangedProviders)
	}

	// Nested option values are not comparable and count as a change.
	old.Providers.Gemini.Options = map[string]any{"safety": map[string]any{"a": 1}}
	new.Providers.Gemini.Options = map[string]any{"safety": map[string]any{"a": 1}}
	if d := config.Diff(old, new); !d.ProvidersChanged {
		t.Error("nested options should be reported as changed")
	}
}

func TestDiff_CompanionAndCapture(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	off := false
	new.Companion.Continuous = &off
	new.Capture.Desktop.Silence = 2 * time.Second
	new.Server.RequestTimeout = time.Minute

	d := config.Diff(old, new)
	if !d.CompanionChanged {
		t.Error("expected CompanionChanged")
	}
	if !d.CaptureChanged {
		t.Error("expected CaptureChanged")
	}
	if !d.TimeoutChanged {
		t.Error("expected TimeoutChanged")
	}
	if d.ProvidersChanged || d.TTSChanged || d.LogLevelChanged {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Server.AllowedOrigins = []string{"kids.example.com"}

	d := config.Diff(old, new)
	if d.Any() {
		t.Errorf("server-only changes should not count as hot-reloadable: %+v", d)
	}
	want := []string{"listen_addr", "allowed_origins"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
}
