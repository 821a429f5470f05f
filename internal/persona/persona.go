// Package persona holds the character catalogue and builds the text sent to
// the speech-to-speech service: the system instructions and the one-shot
// greeting directive.
//
// A [Persona] pairs an identity with a synthesis voice. The built-in
// catalogue ([Builtin]) can be extended or overridden from configuration with
// [NewCatalogue]. Text is rendered for a [Partner], the person the character
// is talking to.
package persona

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknown is returned by [Catalogue.Get] for an ID not in the catalogue.
var ErrUnknown = errors.New("persona: unknown persona")

// Persona is one selectable character.
type Persona struct {
	// ID is the stable key used on the command line and in config. Matched
	// case-insensitively.
	ID string `yaml:"id"`

	// Name is the short display name (e.g., "Luna").
	Name string `yaml:"name"`

	// FullName is how the character introduces itself (e.g., "Luna the Owl").
	// Defaults to Name.
	FullName string `yaml:"full_name"`

	// Emoji is shown next to the name in the status line.
	Emoji string `yaml:"emoji"`

	// Voice is the provider's prebuilt voice name.
	Voice string `yaml:"voice"`

	// Description is a one-line summary for listings.
	Description string `yaml:"description"`

	// Personality describes the character's manner and favourite topics.
	// It is used verbatim in both the instructions and the directive.
	Personality string `yaml:"personality"`

	// BehaviorRules are hard constraints on every reply.
	BehaviorRules []string `yaml:"behavior_rules"`
}

// DisplayName returns FullName, or Name when FullName is empty.
func (p Persona) DisplayName() string {
	if p.FullName != "" {
		return p.FullName
	}
	return p.Name
}

// Validate reports missing required fields.
func (p Persona) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if strings.TrimSpace(p.Voice) == "" {
		errs = append(errs, errors.New("voice is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("persona %q: %w", p.ID, err)
	}
	return nil
}

// Partner is the person the character talks to.
type Partner struct {
	Name string `yaml:"name"`

	// Age is used to pitch the language. Zero omits it.
	Age int `yaml:"age"`
}

// childRule is shared by the built-in characters.
const childRule = "Use very simple words that a young child understands."

// Builtin returns the built-in catalogue in display order.
func Builtin() []Persona {
	return []Persona{
		{
			ID:          "luna",
			Name:        "Luna",
			FullName:    "Luna the Owl",
			Emoji:       "🦉",
			Voice:       "Kore",
			Description: "Wise and loves telling stories.",
			Personality: "You are wise Luna. Use gentle words. You love sharing funny facts about nature in a magical way.",
			BehaviorRules: []string{
				childRule,
				"Keep every reply to two or three short sentences.",
			},
		},
		{
			ID:          "cica",
			Name:        "Cica",
			FullName:    "Cica the Cat",
			Emoji:       "🐱",
			Voice:       "Puck",
			Description: "Playful, funny and cheerful.",
			Personality: `You are Cica, very cheerful and full of energy! You often say "Meow!" and invite your friend to guess animal sounds.`,
			BehaviorRules: []string{
				childRule,
				"Keep every reply to two or three short sentences.",
			},
		},
		{
			ID:          "sharky",
			Name:        "Sharky",
			FullName:    "Sharky the Shark",
			Emoji:       "🦈",
			Voice:       "Fenrir",
			Description: "Brave and loves the sea.",
			Personality: "You are Sharky, the hero of the deep! Talk excitedly about adventures on colourful coral reefs.",
			BehaviorRules: []string{
				childRule,
				"Never describe anything frightening.",
			},
		},
		{
			ID:          "titi",
			Name:        "Titi",
			FullName:    "Titi the Rabbit",
			Emoji:       "🐰",
			Voice:       "Zephyr",
			Description: "Sweet and kind-hearted.",
			Personality: "You are Titi, very caring. You love talking about healthy food like carrots and about hopping around happily.",
			BehaviorRules: []string{
				childRule,
				"Keep every reply to two or three short sentences.",
			},
		},
	}
}

// Catalogue is an ordered, read-only set of personas.
type Catalogue struct {
	personas []Persona
	index    map[string]int
}

// NewCatalogue returns the built-in personas merged with extra. An extra
// persona whose ID matches a built-in one replaces it in place; the rest are
// appended in order.
func NewCatalogue(extra ...Persona) (*Catalogue, error) {
	c := &Catalogue{index: make(map[string]int)}
	for _, p := range Builtin() {
		c.put(p)
	}
	seen := make(map[string]bool, len(extra))
	var errs []error
	for _, p := range extra {
		if err := p.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		key := normalise(p.ID)
		if seen[key] {
			errs = append(errs, fmt.Errorf("persona %q: duplicate id", p.ID))
			continue
		}
		seen[key] = true
		c.put(p)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalogue) put(p Persona) {
	key := normalise(p.ID)
	if i, ok := c.index[key]; ok {
		c.personas[i] = p
		return
	}
	c.index[key] = len(c.personas)
	c.personas = append(c.personas, p)
}

// Get returns the persona with the given ID.
func (c *Catalogue) Get(id string) (Persona, error) {
	i, ok := c.index[normalise(id)]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %q (have %s)", ErrUnknown, id, strings.Join(c.IDs(), ", "))
	}
	return c.personas[i], nil
}

// List returns every persona in display order.
func (c *Catalogue) List() []Persona {
	return slices.Clone(c.personas)
}

// IDs returns every persona ID in display order.
func (c *Catalogue) IDs() []string {
	ids := make([]string, len(c.personas))
	for i, p := range c.personas {
		ids[i] = p.ID
	}
	return ids
}

func normalise(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
