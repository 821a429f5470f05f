package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/chatterbox/internal/persona"
)

// ValidProviderNames lists the provider names the CLI registers. Used by
// [Validate] to warn about unrecognised names.
var ValidProviderNames = []string{"gemini-live", "genai-live", "openai-realtime"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Output == "" {
		cfg.Audio.Output = OutputMiniaudio
	}
	if cfg.Audio.CaptureRate == 0 {
		cfg.Audio.CaptureRate = DefaultCaptureRate
	}
	if cfg.Session.Persona == "" {
		cfg.Session.Persona = DefaultPersona
	}
	if cfg.Session.DirectiveDelay == 0 {
		cfg.Session.DirectiveDelay = DefaultDirectiveDelay
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	validateProviderName("provider", cfg.Provider.Name)
	for i, fb := range cfg.Provider.Fallbacks {
		prefix := fmt.Sprintf("provider.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
	}
	if cfg.Provider.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.max_failures %d must not be negative", cfg.Provider.Breaker.MaxFailures))
	}
	if cfg.Provider.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("provider.breaker.reset_timeout %v must not be negative", cfg.Provider.Breaker.ResetTimeout))
	}
	if cfg.Provider.APIKey != "" {
		slog.Warn("provider.api_key is set in the config file; prefer api_key_file or GEMINI_API_KEY")
	}

	// Audio
	if cfg.Audio.Output != "" && !cfg.Audio.Output.IsValid() {
		errs = append(errs, fmt.Errorf("audio.output %q is invalid; valid values: miniaudio, oto", cfg.Audio.Output))
	}
	if cfg.Audio.CaptureRate < 0 || (cfg.Audio.CaptureRate > 0 && cfg.Audio.CaptureRate < 8000) {
		errs = append(errs, fmt.Errorf("audio.capture_rate %d is out of range [8000, ...]", cfg.Audio.CaptureRate))
	}
	for name, v := range map[string]int{
		"audio.frame_size": cfg.Audio.FrameSize,
		"audio.send_queue": cfg.Audio.SendQueue,
		"audio.period_ms":  cfg.Audio.PeriodMs,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", name, v))
		}
	}
	if cfg.Audio.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output_buffer %v must not be negative", cfg.Audio.OutputBuffer))
	}

	// Session
	if cfg.Session.UserAge < 0 || cfg.Session.UserAge > 150 {
		errs = append(errs, fmt.Errorf("session.user_age %d is out of range [0, 150]", cfg.Session.UserAge))
	}
	if cfg.Session.DirectiveDelay < 0 {
		errs = append(errs, fmt.Errorf("session.directive_delay %v must not be negative", cfg.Session.DirectiveDelay))
	}
	if r := cfg.Session.Retry; r.MaxAttempts < 0 || r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("session.retry values must not be negative"))
	}
	if _, err := persona.NewBuilder(cfg.Session.DirectiveTemplate); err != nil {
		errs = append(errs, fmt.Errorf("session.directive_template: %w", err))
	}

	// Personas
	cat, err := persona.NewCatalogue(cfg.Personas...)
	if err != nil {
		errs = append(errs, fmt.Errorf("personas: %w", err))
	} else if cfg.Session.Persona != "" {
		if _, err := cat.Get(cfg.Session.Persona); err != nil {
			errs = append(errs, fmt.Errorf("session.persona: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Catalogue returns the built-in personas merged with the configured ones.
func (c *Config) Catalogue() (*persona.Catalogue, error) {
	return persona.NewCatalogue(c.Personas...)
}

// validateProviderName logs a warning if name is not a known provider.
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"field", field,
		"name", name,
		"known", ValidProviderNames,
	)
}
