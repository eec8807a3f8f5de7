package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider slot.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"gemini": {"gemini"},
	"openai": {"openai"},
	"tts":    {"browser", "elevenlabs", "openai"},
}

// validTiers mirrors the tiers understood by the prompt builder.
var validTiers = []string{"beginner", "intermediate", "advanced"}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultRequestTimeout = 30 * time.Second
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultPersona        = "Buddy"
	DefaultTier           = "beginner"
	DefaultHistoryLimit   = 20
	DefaultLanguage       = "en-US"
	DefaultAvatarFPS      = 15
)

// DefaultDesktopTiming and DefaultMobileTiming are the turn-taking timings
// used when the capture section is absent.
var (
	DefaultDesktopTiming = TimingConfig{
		Silence: 1500 * time.Millisecond,
		Restart: 300 * time.Millisecond,
		Retry:   1000 * time.Millisecond,
	}
	DefaultMobileTiming = TimingConfig{
		Silence: 1000 * time.Millisecond,
		Restart: 150 * time.Millisecond,
		Retry:   600 * time.Millisecond,
	}
)

// Load reads the YAML configuration file at path, applies environment
// overrides from the process environment, and returns a validated [Config].
// An empty path skips the file and builds the config from the environment
// and defaults only.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		data = b
	}

	cfg, err := Parse(data, os.Getenv)
	if err != nil {
		if path == "" {
			return nil, err
		}
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data, nil)
}

// Parse decodes data (which may be empty), overlays values from getenv when
// it is non-nil, applies defaults and validates.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	if getenv != nil {
		ApplyEnv(cfg, getenv)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg. Non-empty variables win
// over file values.
//
//	GEMINI_API_KEY, GEMINI_MODEL, GEMINI_BASE_URL  provider A
//	OPENAI_API_KEY, OPENAI_MODEL, OPENAI_BASE_URL  provider B
//	PORT                                           listen port
//	TTS_PROVIDER                                   speech synthesis slot
//	LOG_LEVEL                                      server.log_level
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	set(&cfg.Providers.Gemini.Model, "GEMINI_MODEL")
	set(&cfg.Providers.Gemini.BaseURL, "GEMINI_BASE_URL")
	set(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	set(&cfg.Providers.OpenAI.Model, "OPENAI_MODEL")
	set(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.Providers.TTS.Name, "TTS_PROVIDER")

	if port := getenv("PORT"); port != "" {
		cfg.Server.ListenAddr = ":" + port
	}
	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		cfg.Server.LogLevel = LogLevel(lvl)
	}
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = DefaultRequestTimeout
	}

	p := &cfg.Providers
	if p.Gemini.Name == "" {
		p.Gemini.Name = "gemini"
	}
	if p.Gemini.Model == "" {
		p.Gemini.Model = DefaultGeminiModel
	}
	if p.OpenAI.Name == "" {
		p.OpenAI.Name = "openai"
	}
	if p.OpenAI.Model == "" {
		p.OpenAI.Model = DefaultOpenAIModel
	}

	c := &cfg.Companion
	if c.Persona == "" {
		c.Persona = DefaultPersona
	}
	if c.DefaultTier == "" {
		c.DefaultTier = DefaultTier
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Language == "" {
		c.Language = DefaultLanguage
	}
	if c.AvatarFPS == 0 {
		c.AvatarFPS = DefaultAvatarFPS
	}
	if c.Voice.Rate == 0 {
		c.Voice.Rate = 0.9
	}
	if c.Voice.Pitch == 0 {
		c.Voice.Pitch = 1.1
	}
	if c.Voice.Volume == 0 {
		c.Voice.Volume = 1
	}

	fillTiming(&cfg.Capture.Desktop, DefaultDesktopTiming)
	fillTiming(&cfg.Capture.Mobile, DefaultMobileTiming)
}

func fillTiming(t *TimingConfig, def TimingConfig) {
	if t.Silence == 0 {
		t.Silence = def.Silence
	}
	if t.Restart == 0 {
		t.Restart = def.Restart
	}
	if t.Retry == 0 {
		t.Retry = def.Retry
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout must not be negative"))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("gemini", cfg.Providers.Gemini.Name)
	validateProviderName("openai", cfg.Providers.OpenAI.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	if !cfg.Providers.Gemini.Configured() && !cfg.Providers.OpenAI.Configured() {
		slog.Warn("no LLM provider configured; chat requests will fail until GEMINI_API_KEY or OPENAI_API_KEY is set")
	}

	// Companion
	c := cfg.Companion
	if c.DefaultTier != "" && !slices.Contains(validTiers, c.DefaultTier) {
		errs = append(errs, fmt.Errorf("companion.default_tier %q is invalid; valid values: beginner, intermediate, advanced", c.DefaultTier))
	}
	if c.AvatarFPS < 0 || c.AvatarFPS > 60 {
		errs = append(errs, fmt.Errorf("companion.avatar_fps %d is out of range [0, 60]", c.AvatarFPS))
	}
	if c.Voice.Rate != 0 && (c.Voice.Rate < 0.1 || c.Voice.Rate > 10) {
		errs = append(errs, fmt.Errorf("companion.voice.rate %.2f is out of range [0.1, 10]", c.Voice.Rate))
	}
	if c.Voice.Pitch < 0 || c.Voice.Pitch > 2 {
		errs = append(errs, fmt.Errorf("companion.voice.pitch %.2f is out of range [0, 2]", c.Voice.Pitch))
	}
	if c.Voice.Volume < 0 || c.Voice.Volume > 1 {
		errs = append(errs, fmt.Errorf("companion.voice.volume %.2f is out of range [0, 1]", c.Voice.Volume))
	}
	if c.AvatarModel != "" {
		if _, err := os.Stat(c.AvatarModel); err != nil {
			slog.Warn("companion.avatar_model is not readable; the fallback animation will be used", "path", c.AvatarModel, "err", err)
		}
	}

	// Capture timings
	for name, t := range map[string]TimingConfig{"desktop": cfg.Capture.Desktop, "mobile": cfg.Capture.Mobile} {
		if t.Silence < 0 || t.Restart < 0 || t.Retry < 0 {
			errs = append(errs, fmt.Errorf("capture.%s timings must not be negative", name))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given slot.
func validateProviderName(slot, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[slot]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"slot", slot,
		"name", name,
		"known", known,
	)
}
