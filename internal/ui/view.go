// Package ui is the terminal front end of chatterbox: a one-line status view
// rendered with lipgloss and a line-based command reader.
//
// The view is a pure function of a [session.Snapshot] and the active
// [persona.Persona]; [Console] polls the machine and prints the view whenever
// it changes.
package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/chatterbox/internal/persona"
	"github.com/MrWong99/chatterbox/internal/session"
)

// meterCells is the width of the microphone level meter.
const meterCells = 10

// Theme defines the colour scheme.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Good    lipgloss.Color
	Warn    lipgloss.Color
	Bad     lipgloss.Color
}

// DefaultTheme is a soft purple theme.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#b48eff"),
	Dim:     lipgloss.Color("#6e7681"),
	Good:    lipgloss.Color("#3fb950"),
	Warn:    lipgloss.Color("#d29922"),
	Bad:     lipgloss.Color("#f85149"),
}

// Styles holds the styles derived from a theme.
type Styles struct {
	Name     lipgloss.Style
	Speaking lipgloss.Style
	Meter    lipgloss.Style
	Muted    lipgloss.Style
	Error    lipgloss.Style
	Hint     lipgloss.Style
	status   map[session.Status]lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	badge := func(c lipgloss.Color) lipgloss.Style {
		return lipgloss.NewStyle().Bold(true).Foreground(c)
	}
	return Styles{
		Name:     lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Speaking: lipgloss.NewStyle().Italic(true).Foreground(t.Primary),
		Meter:    lipgloss.NewStyle().Foreground(t.Good),
		Muted:    lipgloss.NewStyle().Foreground(t.Warn),
		Error:    lipgloss.NewStyle().Foreground(t.Bad),
		Hint:     lipgloss.NewStyle().Foreground(t.Dim),
		status: map[session.Status]lipgloss.Style{
			session.StatusIdle:       badge(t.Dim),
			session.StatusConnecting: badge(t.Warn),
			session.StatusConnected:  badge(t.Good),
			session.StatusPaused:     badge(t.Primary),
			session.StatusError:      badge(t.Bad),
		},
	}
}

// View is everything needed to draw the status line.
type View struct {
	Persona  persona.Persona
	Snapshot session.Snapshot

	// Now is used for the retry countdown. Defaults to time.Now.
	Now time.Time
}

// Render draws the view as a single line. While in error the failure message
// and any pending retry countdown are appended.
func (s Styles) Render(v View) string {
	snap := v.Snapshot
	parts := []string{s.Name.Render(strings.TrimSpace(v.Persona.Emoji + " " + v.Persona.Name))}

	badge, ok := s.status[snap.Status]
	if !ok {
		badge = lipgloss.NewStyle()
	}
	parts = append(parts, badge.Render(snap.Status.String()))

	if snap.Speaking {
		parts = append(parts, s.Speaking.Render(v.Persona.Name+" is speaking…"))
	}
	switch {
	case snap.Muted:
		parts = append(parts, s.Muted.Render("mic muted"))
	case snap.Status == session.StatusConnected:
		parts = append(parts, "mic "+s.Meter.Render(Meter(snap.Level, meterCells)))
	}

	if snap.Status == session.StatusError {
		msg := snap.Message
		if !snap.NextRetry.IsZero() {
			now := v.Now
			if now.IsZero() {
				now = time.Now()
			}
			wait := max(snap.NextRetry.Sub(now), 0)
			msg += fmt.Sprintf(" Retrying in %ds.", int(math.Ceil(wait.Seconds())))
		}
		parts = append(parts, s.Error.Render(strings.TrimSpace(msg)))
	}
	return strings.Join(parts, s.Hint.Render(" · "))
}

// Meter renders level in [0,1] as a bar of width cells.
func Meter(level float64, width int) string {
	if width <= 0 {
		return ""
	}
	level = min(max(level, 0), 1)
	filled := int(math.Round(level * float64(width)))
	return strings.Repeat("▮", filled) + strings.Repeat("▯", width-filled)
}

// Help is the command summary printed on start and on "?".
func (s Styles) Help() string {
	return s.Hint.Render("s start/stop · p pause/resume · m mute · r retry · k api key · q quit")
}
