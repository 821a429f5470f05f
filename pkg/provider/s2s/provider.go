// Package s2s defines the Provider interface for realtime speech-to-speech
// conversation backends.
//
// An S2S provider wraps a live voice model that accepts a continuous stream of
// microphone audio and answers with synthesised speech in a single, stateful
// session. The central abstraction is [SessionHandle]: outbound audio and the
// one-off greeting directive go in through methods, everything the service
// reports comes back as an ordered stream of [Event] values.
//
// Implementations never retry on their own. A failed or dropped connection is
// reported once, as an [EventError] or [EventClosed], and the caller decides
// whether to connect again.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"

	"github.com/MrWong99/chatterbox/pkg/audio"
)

// ErrNotOpen is returned by [SessionHandle.SendAudio] and
// [SessionHandle.SendDirective] before the session has been opened by the
// service or after it has closed. Audio is never queued for later delivery.
var ErrNotOpen = errors.New("s2s: session not open")

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// VoiceID selects the prebuilt synthesis voice, e.g. "Kore".
	VoiceID string

	// Instructions is an optional system-level prompt sent at setup time.
	Instructions string

	// Model overrides the provider's default model when non-empty.
	Model string
}

// EventKind identifies the type of an [Event].
type EventKind int

const (
	// EventOpened is emitted once when the service confirms the session is
	// ready to accept audio.
	EventOpened EventKind = iota

	// EventAudio carries one chunk of synthesised speech.
	EventAudio

	// EventInterrupted reports that the user started speaking over the reply
	// and any scheduled output must be discarded.
	EventInterrupted

	// EventError reports a fatal session error. No further events follow.
	EventError

	// EventClosed reports that the service ended the session. No further
	// events follow.
	EventClosed
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one notification from an open session.
type Event struct {
	Kind EventKind

	// Audio is set for [EventAudio]: base64 PCM16 at the playback rate.
	Audio audio.Payload

	// Err is set for [EventError].
	Err error
}

// SessionHandle represents a live conversation session. It is an interface so
// that test code can supply mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded microphone frame. Returns [ErrNotOpen]
	// when the session is not open.
	SendAudio(p audio.Payload) error

	// SendDirective sends a text instruction that the model acts on
	// immediately, such as the greeting prompt.
	SendDirective(text string) error

	// Events returns the session's event stream. Events arrive in the order
	// the service produced them. The channel is closed after a terminal
	// [EventError] or [EventClosed], or once Close has been called.
	Events() <-chan Event

	// Close terminates the session and releases the connection. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Name returns a short identifier used in logs and metrics.
	Name() string

	// Connect starts a new session. It returns once the connection has been
	// established and the setup request sent; readiness is reported later by
	// [EventOpened]. Errors are classifiable with [Classify].
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
