package persona

import (
	"fmt"
	"strings"
	"text/template"
)

// DefaultDirectiveTemplate is the greeting sent once per connection. It is a
// text/template executed with a [DirectiveData].
const DefaultDirectiveTemplate = `OVERRIDE SYSTEM PERSONA: Hello, my name is {{.Persona.DisplayName}}. ` +
	`My friend {{.Partner.Name}}{{with .Partner.Age}} ({{.}} years old){{end}} is here! ` +
	`GREET THEM NOW with two cheerful sentences and invite them to talk about this: {{.Persona.Personality}}` +
	`{{range .Persona.BehaviorRules}} Remember: {{.}}{{end}}`

// DirectiveData is the data passed to the directive template.
type DirectiveData struct {
	Persona Persona
	Partner Partner
}

// Builder renders persona text for a partner. Safe for concurrent use.
type Builder struct {
	directive *template.Template
}

// NewBuilder parses the directive template. An empty text selects
// [DefaultDirectiveTemplate].
func NewBuilder(directiveTemplate string) (*Builder, error) {
	if strings.TrimSpace(directiveTemplate) == "" {
		directiveTemplate = DefaultDirectiveTemplate
	}
	t, err := template.New("directive").Option("missingkey=error").Parse(directiveTemplate)
	if err != nil {
		return nil, fmt.Errorf("persona: parse directive template: %w", err)
	}
	return &Builder{directive: t}, nil
}

// Directive renders the greeting directive.
func (b *Builder) Directive(p Persona, partner Partner) (string, error) {
	var sb strings.Builder
	if err := b.directive.Execute(&sb, DirectiveData{Persona: p, Partner: partner}); err != nil {
		return "", fmt.Errorf("persona: render directive for %q: %w", p.ID, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Instructions renders the system instructions sent with the session setup.
// Empty sections are omitted.
func Instructions(p Persona, partner Partner) string {
	var sb strings.Builder

	// ── Opening line ──────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "You are %s.", p.DisplayName())
	if personality := strings.TrimSpace(p.Personality); personality != "" {
		sb.WriteString(" ")
		sb.WriteString(personality)
	}

	// ── Partner ───────────────────────────────────────────────────────────────
	if name := strings.TrimSpace(partner.Name); name != "" {
		sb.WriteString("\n\n## Your Friend\n")
		fmt.Fprintf(&sb, "You are talking with %s", name)
		if partner.Age > 0 {
			fmt.Fprintf(&sb, ", who is %d years old", partner.Age)
		}
		sb.WriteString(".")
	}

	// ── Rules ─────────────────────────────────────────────────────────────────
	if len(p.BehaviorRules) > 0 {
		sb.WriteString("\n\n## Rules\n")
		for i, r := range p.BehaviorRules {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "%d. %s", i+1, r)
		}
	}

	return sb.String()
}
