package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists known LLM backend names. Used by [Validate] to warn
// about unrecognised provider names.
var ValidLLMProviders = []string{
	"openai", "openai-direct", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Pipeline defaults applied by [ApplyDefaults] when the corresponding field
// is zero.
const (
	DefaultWindowHorizonSeconds     = 30.0
	DefaultWindowMaxSegments        = 50
	DefaultCooldownSeconds          = 45.0
	DefaultGenerationTimeoutSeconds = 3.0
	DefaultDisplayTimeoutSeconds    = 15.0
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued pipeline tunables with their defaults.
func ApplyDefaults(cfg *Config) {
	p := &cfg.Pipeline
	if p.WindowHorizonSeconds == 0 {
		p.WindowHorizonSeconds = DefaultWindowHorizonSeconds
	}
	if p.WindowMaxSegments == 0 {
		p.WindowMaxSegments = DefaultWindowMaxSegments
	}
	if p.CooldownSeconds == 0 {
		p.CooldownSeconds = DefaultCooldownSeconds
	}
	if p.GenerationTimeoutSeconds == 0 {
		p.GenerationTimeoutSeconds = DefaultGenerationTimeoutSeconds
	}
	if p.DisplayTimeoutSeconds == 0 {
		p.DisplayTimeoutSeconds = DefaultDisplayTimeoutSeconds
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "nudge-lifecycle"
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

	// Providers — warn for unknown names, error for missing model.
	validateLLMEntry("providers.llm", cfg.Providers.LLM, &errs)
	for i, fb := range cfg.Providers.Fallbacks {
		validateLLMEntry(fmt.Sprintf("providers.fallbacks[%d]", i), fb, &errs)
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; all nudges will use static fallback templates")
	}

	// Pipeline bounds
	p := cfg.Pipeline
	if p.WindowHorizonSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.window_horizon_seconds %.1f must not be negative", p.WindowHorizonSeconds))
	}
	if p.WindowMaxSegments < 0 {
		errs = append(errs, fmt.Errorf("pipeline.window_max_segments %d must not be negative", p.WindowMaxSegments))
	}
	if p.CooldownSeconds < 0 {
		errs = append(errs, fmt.Errorf("pipeline.cooldown_seconds %.1f must not be negative", p.CooldownSeconds))
	}
	if p.GenerationTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.generation_timeout_seconds %.1f must be positive", p.GenerationTimeoutSeconds))
	}
	if p.DisplayTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.display_timeout_seconds %.1f must be positive", p.DisplayTimeoutSeconds))
	}

	// Storage
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; segments and nudges will not be persisted")
	}

	// Events
	if cfg.Events.Enabled && len(cfg.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.brokers is required when events.enabled is true"))
	}

	return errors.Join(errs...)
}

// GenerationTimeout returns the generation budget as a [time.Duration].
func (p PipelineConfig) GenerationTimeout() time.Duration {
	return time.Duration(p.GenerationTimeoutSeconds * float64(time.Second))
}

// DisplayTimeout returns the display timeout as a [time.Duration].
func (p PipelineConfig) DisplayTimeout() time.Duration {
	return time.Duration(p.DisplayTimeoutSeconds * float64(time.Second))
}

// validateLLMEntry appends an error when the entry names a provider but no
// model, and warns when the provider name is unrecognised.
func validateLLMEntry(prefix string, entry ProviderEntry, errs *[]error) {
	if entry.Name == "" {
		return
	}
	if !slices.Contains(ValidLLMProviders, entry.Name) {
		slog.Warn("unknown provider name — may be a typo or third-party provider",
			"entry", prefix,
			"name", entry.Name,
			"known", ValidLLMProviders,
		)
	}
	if entry.Model == "" {
		*errs = append(*errs, fmt.Errorf("%s.model is required when %s.name is set", prefix, prefix))
	}
}
