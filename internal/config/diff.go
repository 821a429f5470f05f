package config

import (
	"slices"

	"github.com/MrWong99/chatterbox/internal/persona"
)

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied to the next conversation without a restart are tracked;
// provider and audio changes need a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ProfileChanged is set when the persona selection, the partner or the
	// directive changed. Applies to the next session.
	ProfileChanged bool

	// PersonasChanged is set when the configured persona list changed.
	PersonasChanged bool

	RetryChanged    bool
	MessagesChanged bool

	// RestartRequired lists sections that changed but are not reloaded.
	RestartRequired []string
}

// Empty reports whether nothing reloadable changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ProfileChanged && !d.PersonasChanged &&
		!d.RetryChanged && !d.MessagesChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	was, now := old.Session, new.Session
	if was.Persona != now.Persona || was.UserName != now.UserName || was.UserAge != now.UserAge ||
		was.DirectiveTemplate != now.DirectiveTemplate || was.DirectiveDelay != now.DirectiveDelay {
		d.ProfileChanged = true
	}
	if was.Retry != now.Retry {
		d.RetryChanged = true
	}
	if was.Messages != now.Messages {
		d.MessagesChanged = true
	}

	if !slices.EqualFunc(old.Personas, new.Personas, func(a, b persona.Persona) bool {
		return a.ID == b.ID && a.Name == b.Name && a.FullName == b.FullName &&
			a.Emoji == b.Emoji && a.Voice == b.Voice && a.Description == b.Description &&
			a.Personality == b.Personality && slices.Equal(a.BehaviorRules, b.BehaviorRules)
	}) {
		d.PersonasChanged = true
		// The selected persona may have been redefined.
		d.ProfileChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providerEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func providerEqual(a, b ProviderConfig) bool {
	return a.ProviderEntry == b.ProviderEntry &&
		a.APIKey == b.APIKey &&
		a.APIKeyFile == b.APIKeyFile &&
		slices.Equal(a.APIKeyEnv, b.APIKeyEnv) &&
		slices.Equal(a.Fallbacks, b.Fallbacks) &&
		a.Breaker == b.Breaker
}
