package app

import (
	"fmt"
	"sync"

	"github.com/MrWong99/chatterbox/internal/config"
	"github.com/MrWong99/chatterbox/internal/persona"
	"github.com/MrWong99/chatterbox/internal/session"
)

// Profiles turns the session and persona sections of a config into the
// [session.Profile] for the next conversation and remembers which persona it
// belongs to. Safe for concurrent use.
type Profiles struct {
	mu      sync.RWMutex
	persona persona.Persona
	profile session.Profile
}

// NewProfiles builds the profile for cfg.
func NewProfiles(cfg *config.Config) (*Profiles, error) {
	p := &Profiles{}
	if err := p.Update(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Update rebuilds the profile from cfg. On error the previous profile is
// kept.
func (p *Profiles) Update(cfg *config.Config) error {
	pers, prof, err := BuildProfile(cfg)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persona, p.profile = pers, prof
	return nil
}

// Persona returns the selected persona.
func (p *Profiles) Persona() persona.Persona {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.persona
}

// Profile returns the profile for the next conversation.
func (p *Profiles) Profile() session.Profile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profile
}

// BuildProfile resolves the selected persona in cfg and renders its
// instructions and greeting directive for the configured partner.
func BuildProfile(cfg *config.Config) (persona.Persona, session.Profile, error) {
	cat, err := cfg.Catalogue()
	if err != nil {
		return persona.Persona{}, session.Profile{}, fmt.Errorf("app: personas: %w", err)
	}
	pers, err := cat.Get(cfg.Session.Persona)
	if err != nil {
		return persona.Persona{}, session.Profile{}, fmt.Errorf("app: %w", err)
	}
	builder, err := persona.NewBuilder(cfg.Session.DirectiveTemplate)
	if err != nil {
		return persona.Persona{}, session.Profile{}, fmt.Errorf("app: directive template: %w", err)
	}

	partner := cfg.Session.Partner()
	directive, err := builder.Directive(pers, partner)
	if err != nil {
		return persona.Persona{}, session.Profile{}, fmt.Errorf("app: render directive for %q: %w", pers.ID, err)
	}
	return pers, session.Profile{
		VoiceID:      pers.Voice,
		UserName:     partner.Name,
		Instructions: persona.Instructions(pers, partner),
		Directive:    directive,
	}, nil
}
