// Package config provides the configuration schema, loader, watcher and
// backend registry for chatterbox.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/chatterbox/internal/persona"
	"github.com/MrWong99/chatterbox/internal/session"
)

// LogLevel controls log verbosity.
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

// SlogLevel maps l onto a slog level. Unknown values map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OutputBackend selects the speaker implementation.
type OutputBackend string

const (
	// OutputMiniaudio plays through miniaudio, the same library used for
	// capture.
	OutputMiniaudio OutputBackend = "miniaudio"

	// OutputOto plays through oto and captures through miniaudio.
	OutputOto OutputBackend = "oto"
)

// IsValid reports whether b is a recognised backend.
func (b OutputBackend) IsValid() bool {
	return b == OutputMiniaudio || b == OutputOto
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = "localhost:9464"
	DefaultProvider       = "gemini-live"
	DefaultPersona        = "luna"
	DefaultCaptureRate    = 16000
	DefaultDirectiveDelay = session.DefaultDirectiveDelay
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	Provider ProviderConfig    `yaml:"provider"`
	Audio    AudioConfig       `yaml:"audio"`
	Session  SessionConfig     `yaml:"session"`
	Personas []persona.Persona `yaml:"personas"`
}

// ServerConfig holds the health/metrics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the /healthz, /readyz and /metrics
	// endpoints. "off" disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// HTTPDisabled reports whether the listener is switched off.
func (s ServerConfig) HTTPDisabled() bool {
	return s.ListenAddr == "off"
}

// ProviderConfig selects the speech-to-speech service.
type ProviderConfig struct {
	ProviderEntry `yaml:",inline"`

	// APIKey is a fixed credential. Prefer APIKeyFile or the environment.
	APIKey string `yaml:"api_key"`

	// APIKeyFile is re-read on every connect.
	APIKeyFile string `yaml:"api_key_file"`

	// APIKeyEnv replaces the environment variables consulted for the key.
	APIKeyEnv []string `yaml:"api_key_env"`

	// Fallbacks are dialled in order when the primary cannot be reached.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Breaker tunes the per-provider circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// ProviderEntry is the configuration shared by every provider.
type ProviderEntry struct {
	// Name selects the registered implementation ("gemini-live",
	// "genai-live", "openai-realtime").
	Name string `yaml:"name"`

	// BaseURL overrides the service endpoint.
	BaseURL string `yaml:"base_url"`

	// Model overrides the provider's default model.
	Model string `yaml:"model"`

	// KeyEnv names an environment variable holding a key for this entry
	// only, e.g. OPENAI_API_KEY for an OpenAI fallback. Empty uses the
	// shared key.
	KeyEnv string `yaml:"key_env"`
}

// BreakerConfig tunes the circuit breaker in front of each provider.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig configures the local devices.
type AudioConfig struct {
	// Output selects the speaker backend.
	Output OutputBackend `yaml:"output"`

	// CaptureRate is the rate the microphone is opened at. Input is
	// resampled to 16 kHz when it differs.
	CaptureRate int `yaml:"capture_rate"`

	// FrameSize is the number of 16 kHz samples per sent frame. Zero keeps
	// the pipeline default.
	FrameSize int `yaml:"frame_size"`

	// SendQueue is the number of frames buffered ahead of the network.
	SendQueue int `yaml:"send_queue"`

	// PeriodMs is the miniaudio hardware period.
	PeriodMs int `yaml:"period_ms"`

	// OutputBuffer is the oto hardware buffer.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// SessionConfig configures the conversation.
type SessionConfig struct {
	// UserName is the partner's name. Required before talking; the --name
	// flag overrides it.
	UserName string `yaml:"user_name"`

	// UserAge is the partner's age. Zero omits it.
	UserAge int `yaml:"user_age"`

	// Persona is the ID of the selected persona.
	Persona string `yaml:"persona"`

	// DirectiveDelay is the pause between the session opening and the
	// greeting directive.
	DirectiveDelay time.Duration `yaml:"directive_delay"`

	// DirectiveTemplate overrides the greeting directive template.
	DirectiveTemplate string `yaml:"directive_template"`

	// Retry controls automatic reconnection.
	Retry session.RetryPolicy `yaml:"retry"`

	// Messages overrides the user-facing failure messages.
	Messages session.Messages `yaml:"messages"`
}

// Partner returns the conversation partner described by the config.
func (s SessionConfig) Partner() persona.Partner {
	return persona.Partner{Name: s.UserName, Age: s.UserAge}
}
