package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	// ProvidersChanged is true when any LLM slot's name, key, URL, model, or
	// options changed. The gateway rebuilds its provider chain.
	ProvidersChanged bool
	// ChangedProviders names the slots ("gemini", "openai") that differ.
	ChangedProviders []string

	TTSChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	TimeoutChanged bool

	// CompanionChanged and CaptureChanged only affect sessions opened after
	// the reload.
	CompanionChanged bool
	CaptureChanged   bool

	// RestartRequired lists changed server keys that only take effect after
	// a restart. They do not count towards Any.
	RestartRequired []string
}

// Any reports whether at least one tracked field changed.
func (d ConfigDiff) Any() bool {
	return d.ProvidersChanged || d.TTSChanged || d.LogLevelChanged ||
		d.TimeoutChanged || d.CompanionChanged || d.CaptureChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.RequestTimeout != new.Server.RequestTimeout {
		d.TimeoutChanged = true
	}

	if !sameEntry(old.Providers.Gemini, new.Providers.Gemini) {
		d.ChangedProviders = append(d.ChangedProviders, "gemini")
	}
	if !sameEntry(old.Providers.OpenAI, new.Providers.OpenAI) {
		d.ChangedProviders = append(d.ChangedProviders, "openai")
	}
	d.ProvidersChanged = len(d.ChangedProviders) > 0
	d.TTSChanged = !sameEntry(old.Providers.TTS, new.Providers.TTS)

	if !sameCompanion(old.Companion, new.Companion) {
		d.CompanionChanged = true
	}
	if old.Capture != new.Capture {
		d.CaptureChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "listen_addr")
	}
	if old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = append(d.RestartRequired, "log_format")
	}
	if old.Server.StaticDir != new.Server.StaticDir {
		d.RestartRequired = append(d.RestartRequired, "static_dir")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "allowed_origins")
	}

	return d
}

// sameEntry compares two provider entries including their options.
func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || !sameScalar(av, bv) {
			return false
		}
	}
	return true
}

// sameScalar compares YAML scalar option values. Non-comparable values
// (nested maps or lists) are treated as changed.
func sameScalar(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

func sameCompanion(a, b CompanionConfig) bool {
	if a.Persona != b.Persona || a.DefaultTier != b.DefaultTier ||
		a.HistoryLimit != b.HistoryLimit || a.Language != b.Language ||
		a.ContinuousMode() != b.ContinuousMode() || a.AvatarModel != b.AvatarModel ||
		a.AvatarFPS != b.AvatarFPS || a.Voice != b.Voice {
		return false
	}
	return true
}
