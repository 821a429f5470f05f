package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/chatterbox/pkg/audio"
	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

// ErrNotRegistered is returned by the Create methods when no factory has
// been registered under the requested name.
var ErrNotRegistered = errors.New("config: backend not registered")

// ProviderFactory builds a provider for one API key.
type ProviderFactory func(entry ProviderEntry, apiKey string) (s2s.Provider, error)

// OutputFactory builds the audio device for an output backend.
type OutputFactory func(cfg AudioConfig) (audio.Device, error)

// Registry maps backend names to their constructors. Safe for concurrent
// use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ProviderFactory
	outputs   map[OutputBackend]OutputFactory
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]ProviderFactory),
		outputs:   make(map[OutputBackend]OutputFactory),
	}
}

// RegisterProvider registers a provider factory under name, replacing any
// earlier registration.
func (r *Registry) RegisterProvider(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = factory
}

// RegisterOutput registers an output backend factory.
func (r *Registry) RegisterOutput(name OutputBackend, factory OutputFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[name] = factory
}

// CreateProvider builds the provider selected by entry.
func (r *Registry) CreateProvider(entry ProviderEntry, apiKey string) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.providers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", ErrNotRegistered, entry.Name)
	}
	p, err := factory(entry, apiKey)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// CreateOutput builds the device selected by cfg.Output.
func (r *Registry) CreateOutput(cfg AudioConfig) (audio.Device, error) {
	r.mu.RLock()
	factory, ok := r.outputs[cfg.Output]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio output %q", ErrNotRegistered, cfg.Output)
	}
	d, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create audio output %q: %w", cfg.Output, err)
	}
	return d, nil
}

// ProviderNames returns the registered provider names, sorted.
func (r *Registry) ProviderNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
