package config_test

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/chatterbox/internal/config"
	"github.com/MrWong99/chatterbox/pkg/audio"
	audiomock "github.com/MrWong99/chatterbox/pkg/audio/mock"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
	s2smock "github.com/MrWong99/chatterbox/pkg/provider/s2s/mock"
)

const fullYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
provider:
  name: gemini-live
  model: custom-model
  api_key_file: /run/secrets/gemini
  api_key_env: [MY_KEY]
  fallbacks:
    - name: genai-live
  breaker:
    max_failures: 2
    reset_timeout: 10s
audio:
  output: oto
  capture_rate: 48000
  frame_size: 2048
  output_buffer: 80ms
session:
  user_name: Ana
  user_age: 5
  persona: rex
  directive_delay: 200ms
  retry:
    auto: true
    max_attempts: 2
    backoff: 500ms
  messages:
    network: "Offline."
personas:
  - id: rex
    name: Rex
    voice: Charon
    personality: You are a friendly dinosaur.
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Provider.Name != "gemini-live" || cfg.Provider.Model != "custom-model" {
		t.Errorf("provider entry = %+v", cfg.Provider.ProviderEntry)
	}
	if len(cfg.Provider.Fallbacks) != 1 || cfg.Provider.Fallbacks[0].Name != "genai-live" {
		t.Errorf("fallbacks = %+v", cfg.Provider.Fallbacks)
	}
	if cfg.Provider.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("breaker = %+v", cfg.Provider.Breaker)
	}
	if cfg.Audio.Output != config.OutputOto || cfg.Audio.CaptureRate != 48000 || cfg.Audio.OutputBuffer != 80*time.Millisecond {
		t.Errorf("audio = %+v", cfg.Audio)
	}
	s := cfg.Session
	if s.UserName != "Ana" || s.UserAge != 5 || s.Persona != "rex" || s.DirectiveDelay != 200*time.Millisecond {
		t.Errorf("session = %+v", s)
	}
	if !s.Retry.Auto || s.Retry.MaxAttempts != 2 || s.Retry.Backoff != 500*time.Millisecond {
		t.Errorf("retry = %+v", s.Retry)
	}
	if s.Messages.Network != "Offline." {
		t.Errorf("messages = %+v", s.Messages)
	}

	cat, err := cfg.Catalogue()
	if err != nil {
		t.Fatalf("Catalogue: %v", err)
	}
	rex, err := cat.Get("rex")
	if err != nil || rex.Voice != "Charon" {
		t.Errorf("rex = %+v, %v", rex, err)
	}
}

func TestLoadFromReader_EmptyYieldsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	want := config.Default()
	if cfg.Server != want.Server || cfg.Audio != want.Audio || cfg.Session.Persona != config.DefaultPersona {
		t.Errorf("cfg = %+v, want defaults %+v", cfg, want)
	}
	if cfg.Provider.Name != config.DefaultProvider {
		t.Errorf("provider = %q", cfg.Provider.Name)
	}
	if cfg.Session.DirectiveDelay != config.DefaultDirectiveDelay {
		t.Errorf("directive delay = %v", cfg.Session.DirectiveDelay)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  colour: blue\n"))
	if err == nil || !strings.Contains(err.Error(), "colour") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"output", "audio:\n  output: alsa\n", "audio.output"},
		{"capture rate", "audio:\n  capture_rate: 100\n", "audio.capture_rate"},
		{"negative frame size", "audio:\n  frame_size: -1\n", "audio.frame_size"},
		{"age", "session:\n  user_age: 200\n", "session.user_age"},
		{"negative delay", "session:\n  directive_delay: -1s\n", "session.directive_delay"},
		{"negative retry", "session:\n  retry:\n    backoff: -1s\n", "session.retry"},
		{"unknown persona", "session:\n  persona: dragon\n", "session.persona"},
		{"bad template", "session:\n  directive_template: \"{{.Nope\"\n", "session.directive_template"},
		{"persona without voice", "personas:\n  - id: x\n    name: X\n", "voice is required"},
		{"fallback without name", "provider:\n  fallbacks:\n    - model: m\n", "provider.fallbacks[0].name"},
		{"negative breaker", "provider:\n  breaker:\n    max_failures: -2\n", "provider.breaker.max_failures"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\naudio:\n  output: alsa\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "audio.output"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestServerConfig_HTTPDisabled(t *testing.T) {
	t.Parallel()
	if !(config.ServerConfig{ListenAddr: "off"}).HTTPDisabled() {
		t.Error("off not recognised")
	}
	if (config.ServerConfig{ListenAddr: ":9464"}).HTTPDisabled() {
		t.Error("address treated as disabled")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestLogLevel_SlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
		"loud":          slog.LevelInfo,
	}
	for in, want := range tests {
		if got := in.SlogLevel(); got != want {
			t.Errorf("LogLevel(%q).SlogLevel() = %v, want %v", in, got, want)
		}
	}
}

func TestRegistry_Provider(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	var gotKey string
	r.RegisterProvider("mock", func(e config.ProviderEntry, key string) (s2s.Provider, error) {
		gotKey = key
		return &s2smock.Provider{ProviderName: e.Name}, nil
	})
	r.RegisterProvider("broken", func(config.ProviderEntry, string) (s2s.Provider, error) {
		return nil, errors.New("no")
	})

	p, err := r.CreateProvider(config.ProviderEntry{Name: "mock"}, "secret")
	if err != nil {
		t.Fatalf("CreateProvider: %v", err)
	}
	if p.Name() != "mock" || gotKey != "secret" {
		t.Errorf("name=%q key=%q", p.Name(), gotKey)
	}
	if _, err := r.CreateProvider(config.ProviderEntry{Name: "nope"}, ""); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("unknown provider err = %v", err)
	}
	if _, err := r.CreateProvider(config.ProviderEntry{Name: "broken"}, ""); err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("factory err = %v", err)
	}
	if got := r.ProviderNames(); len(got) != 2 || got[0] != "broken" || got[1] != "mock" {
		t.Errorf("ProviderNames = %v", got)
	}
}

func TestRegistry_Output(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	dev := &audiomock.Device{}
	r.RegisterOutput(config.OutputOto, func(config.AudioConfig) (audio.Device, error) { return dev, nil })

	got, err := r.CreateOutput(config.AudioConfig{Output: config.OutputOto})
	if err != nil || got != dev {
		t.Errorf("CreateOutput = %v, %v", got, err)
	}
	if _, err := r.CreateOutput(config.AudioConfig{Output: config.OutputMiniaudio}); !errors.Is(err, config.ErrNotRegistered) {
		t.Errorf("unregistered output err = %v", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("../../configs/example.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Provider.Fallbacks) != 2 || cfg.Provider.Fallbacks[1].KeyEnv != "OPENAI_API_KEY" {
		t.Errorf("Fallbacks = %+v", cfg.Provider.Fallbacks)
	}
	cat, err := cfg.Catalogue()
	if err != nil {
		t.Fatalf("Catalogue: %v", err)
	}
	if _, err := cat.Get("rex"); err != nil {
		t.Errorf("rex persona: %v", err)
	}
}
