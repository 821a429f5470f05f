package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/chatterbox/internal/auth"
	"github.com/MrWong99/chatterbox/internal/config"
	"github.com/MrWong99/chatterbox/internal/resilience"
	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/audio/miniaudio"
	"github.com/MrWong99/chatterbox/pkg/audio/oto"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s/gemini"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s/genailive"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s/openai"
)

// ── Built-in backends ─────────────────────────────────────────────────────────

// RegisterBuiltins wires every provider and audio backend that ships with
// chatterbox into reg.
func RegisterBuiltins(reg *config.Registry) {
	reg.RegisterProvider("gemini-live", func(entry config.ProviderEntry, apiKey string) (s2s.Provider, error) {
		var opts []gemini.Option
		if entry.Model != "" {
			opts = append(opts, gemini.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(entry.BaseURL))
		}
		return gemini.New(apiKey, opts...), nil
	})

	reg.RegisterProvider("genai-live", func(entry config.ProviderEntry, apiKey string) (s2s.Provider, error) {
		var opts []genailive.Option
		if entry.Model != "" {
			opts = append(opts, genailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, genailive.WithBaseURL(entry.BaseURL))
		}
		return genailive.New(apiKey, opts...), nil
	})

	reg.RegisterProvider("openai-realtime", func(entry config.ProviderEntry, apiKey string) (s2s.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(apiKey, opts...), nil
	})

	reg.RegisterOutput(config.OutputMiniaudio, func(cfg config.AudioConfig) (audio.Device, error) {
		d, err := miniaudio.New(miniaudio.WithPeriod(cfg.PeriodMs))
		if err != nil {
			return nil, err
		}
		return d, nil
	})

	reg.RegisterOutput(config.OutputOto, func(cfg config.AudioConfig) (audio.Device, error) {
		capture, err := miniaudio.New(miniaudio.WithPeriod(cfg.PeriodMs))
		if err != nil {
			return nil, err
		}
		return &otoDevice{Device: &oto.Device{Capture: capture, Buffer: cfg.OutputBuffer}, capture: capture}, nil
	})
}

// otoDevice plays through oto and owns the miniaudio context it captures
// through.
type otoDevice struct {
	*oto.Device
	capture *miniaudio.Device
}

func (d *otoDevice) Close() error { return d.capture.Close() }

// ── Providers ─────────────────────────────────────────────────────────────────

// KeySource supplies the API key for each connection attempt.
type KeySource interface {
	Key() (string, error)
}

// keyedProvider builds a fresh provider from the registry on every Connect so
// that a key entered after a rejection is used by the next attempt.
type keyedProvider struct {
	entry config.ProviderEntry
	reg   *config.Registry
	keys  KeySource
}

var _ s2s.Provider = (*keyedProvider)(nil)

func (p *keyedProvider) Name() string { return p.entry.Name }

func (p *keyedProvider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	key, err := p.key()
	if err != nil {
		return nil, &s2s.Error{Class: s2s.ClassAuthorization, Err: err}
	}
	prov, err := p.reg.CreateProvider(p.entry, key)
	if err != nil {
		return nil, err
	}
	return prov.Connect(ctx, cfg)
}

// key returns the entry's own key when it names one, else the shared key.
func (p *keyedProvider) key() (string, error) {
	if p.entry.KeyEnv == "" {
		return p.keys.Key()
	}
	if k, ok := os.LookupEnv(p.entry.KeyEnv); ok && k != "" {
		return k, nil
	}
	return "", fmt.Errorf("%w: %s is not set", auth.ErrNoKey, p.entry.KeyEnv)
}

// BuildProvider returns the primary provider and its fallbacks behind
// per-provider circuit breakers. Every entry must be registered in reg.
func BuildProvider(pc config.ProviderConfig, reg *config.Registry, keys KeySource) (*resilience.Failover, error) {
	registered := reg.ProviderNames()
	entries := append([]config.ProviderEntry{pc.ProviderEntry}, pc.Fallbacks...)
	for _, e := range entries {
		if !slices.Contains(registered, e.Name) {
			return nil, fmt.Errorf("app: provider %q: %w", e.Name, config.ErrNotRegistered)
		}
	}

	f := resilience.NewFailover(&keyedProvider{entry: entries[0], reg: reg, keys: keys}, resilience.BreakerConfig{
		MaxFailures:  pc.Breaker.MaxFailures,
		ResetTimeout: pc.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Info("provider circuit breaker changed state", "provider", name, "from", from, "to", to)
		},
	})
	for _, e := range entries[1:] {
		f.AddFallback(&keyedProvider{entry: e, reg: reg, keys: keys})
	}
	return f, nil
}
