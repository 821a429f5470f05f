package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when no provider could be
// dialled. It wraps the last provider error, so [s2s.Classify] still sees
// the underlying cause.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Compile-time interface assertion.
var _ s2s.Provider = (*Failover)(nil)

type failoverEntry struct {
	name     string
	provider s2s.Provider
	breaker  *Breaker
}

// Failover implements [s2s.Provider] by dialling a primary provider and then
// each fallback in registration order. Only Connect is covered: once a
// session is open, its failures belong to the caller.
//
// An authorization failure stops the walk immediately. The credential is
// shared, so another service would reject it as well, and the user must be
// asked for a new one.
type Failover struct {
	cfg     BreakerConfig
	entries []failoverEntry
}

// NewFailover creates a Failover with primary as the preferred provider. cfg
// is the template for every provider's breaker; its Name and Ignore fields
// are set per entry.
func NewFailover(primary s2s.Provider, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.AddFallback(primary)
	return f
}

// AddFallback appends a provider to try after the earlier ones.
func (f *Failover) AddFallback(p s2s.Provider) {
	cfg := f.cfg
	cfg.Name = p.Name()
	cfg.Ignore = ignorable
	f.entries = append(f.entries, failoverEntry{
		name:     p.Name(),
		provider: p,
		breaker:  NewBreaker(cfg),
	})
}

// Name returns the name of the primary provider.
func (f *Failover) Name() string {
	return f.entries[0].name
}

// Names returns every provider name in dialling order.
func (f *Failover) Names() []string {
	names := make([]string, len(f.entries))
	for i, e := range f.entries {
		names[i] = e.name
	}
	return names
}

// States returns the breaker state of every provider, keyed by name.
func (f *Failover) States() map[string]State {
	out := make(map[string]State, len(f.entries))
	for _, e := range f.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Connect dials the first healthy provider.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var lastErr error
	for i := range f.entries {
		e := &f.entries[i]
		var h s2s.SessionHandle
		err := e.breaker.Execute(func() error {
			var cerr error
			h, cerr = e.provider.Connect(ctx, cfg)
			return cerr
		})
		if err == nil {
			if i > 0 {
				slog.Info("connected through fallback provider", "provider", e.name)
			}
			return h, nil
		}
		lastErr = err
		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider (circuit open)", "provider", e.name)
		case ignorable(err):
			return nil, err
		default:
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// ignorable reports failures that neither count against a breaker nor move
// on to the next provider.
func ignorable(err error) bool {
	return errors.Is(err, context.Canceled) ||
		s2s.Classify(err) == s2s.ClassAuthorization
}
