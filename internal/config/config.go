// Package config provides the configuration schema, loader, and provider
// registry for the TalkBuddy companion server.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file plus environment overrides using
// [Load], or from a string literal in tests using [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Companion CompanionConfig `yaml:"companion"`
	Capture   CaptureConfig   `yaml:"capture"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// RequestTimeout bounds every outbound provider call.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// StaticDir, when set, is served under /app/ (the browser front end).
	StaticDir string `yaml:"static_dir"`

	// AllowedOrigins lists host patterns accepted for WebSocket sessions
	// from foreign origins. Same-origin connections are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ProvidersConfig declares the two LLM provider slots and the speech
// synthesis slot. Provider A (Gemini) wins over provider B (OpenAI) when
// both carry credentials.
type ProvidersConfig struct {
	Gemini ProviderEntry `yaml:"gemini"`
	OpenAI ProviderEntry `yaml:"openai"`
	TTS    ProviderEntry `yaml:"tts"`
}

// ProviderEntry is the common configuration block shared by all provider slots.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation.
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values (e.g. "temperature", "max_tokens").
	Options map[string]any `yaml:"options"`
}

// Configured reports whether the entry carries credentials.
func (e ProviderEntry) Configured() bool {
	return e.APIKey != ""
}

// CompanionConfig controls per-session conversation behaviour.
type CompanionConfig struct {
	// Persona is the companion's display name used in prompts.
	Persona string `yaml:"persona"`

	// DefaultTier is the difficulty tier for new sessions.
	DefaultTier string `yaml:"default_tier"`

	// HistoryLimit is the number of most recent turns kept per session.
	// Zero selects the default; a negative value keeps every turn.
	HistoryLimit int `yaml:"history_limit"`

	// Language is the BCP-47 tag used for speech capture and synthesis.
	Language string `yaml:"language"`

	// Continuous makes capture resume automatically after each reply.
	// Defaults to true when unset.
	Continuous *bool `yaml:"continuous"`

	// AvatarModel is the path to a glTF/GLB model. Empty selects the
	// fallback scale-pulse animation.
	AvatarModel string `yaml:"avatar_model"`

	// AvatarFPS is the rate at which poses are streamed to the browser.
	// Zero disables pose streaming.
	AvatarFPS int `yaml:"avatar_fps"`

	// Voice configures speech output.
	Voice VoiceConfig `yaml:"voice"`
}

// ContinuousMode returns the effective continuous flag.
func (c CompanionConfig) ContinuousMode() bool {
	return c.Continuous == nil || *c.Continuous
}

// VoiceConfig holds speech synthesis parameters forwarded to the browser.
type VoiceConfig struct {
	// Name is a voice name hint; the browser picks the closest match.
	Name string `yaml:"name"`

	// Rate is the speaking rate in the range [0.1, 10]. 1 is normal.
	Rate float64 `yaml:"rate"`

	// Pitch is in the range [0, 2]. 1 is normal.
	Pitch float64 `yaml:"pitch"`

	// Volume is in the range [0, 1].
	Volume float64 `yaml:"volume"`
}

// CaptureConfig holds the turn-taking timings per device class. The values
// are tuned UX parameters, not protocol constants.
type CaptureConfig struct {
	Desktop TimingConfig `yaml:"desktop"`
	Mobile  TimingConfig `yaml:"mobile"`
}

// TimingConfig holds the timings for one device class.
type TimingConfig struct {
	// Silence is how long after the last partial result an utterance is
	// finalised when the engine never flags it final.
	Silence time.Duration `yaml:"silence"`

	// Restart is the delay before capture resumes in continuous mode.
	Restart time.Duration `yaml:"restart"`

	// Retry is the delay before the single retry of a failed restart.
	Retry time.Duration `yaml:"retry"`
}
