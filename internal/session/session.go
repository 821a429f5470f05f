// Package session implements the conversation state machine.
//
// A [Machine] owns at most one conversation attempt at a time. An attempt
// holds the transport handle, the capture pipeline and the playback
// scheduler, and every one of them is released on every path out of the
// attempt: stop, failure, remote close or retry. The status moves
//
//	Idle -> Connecting -> Connected <-> Paused
//
// and any status may fall into Error, from which Retry starts a fresh
// attempt. Mute is a separate flag that only closes the capture gate.
//
// Transport events are consumed by one goroutine per attempt. Events from an
// attempt that has already been torn down are ignored, so a late "closed"
// can never clobber the status of a newer attempt.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the state of a [Machine].
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusPaused
	StatusError
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusPaused:
		return "paused"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Session describes one conversation attempt. Start and Retry each create a
// new Session with a new ID.
type Session struct {
	ID         uuid.UUID
	Status     Status
	VoiceID    string
	UserName   string
	Muted      bool
	RetryCount int
	StartedAt  time.Time
}

// Profile is the persona and partner configuration used by the next attempt.
type Profile struct {
	// VoiceID selects the synthesis voice.
	VoiceID string

	// UserName is the conversational partner's name.
	UserName string

	// Instructions is the system prompt sent with the session setup.
	Instructions string

	// Directive is sent once per connection, shortly after it opens. Empty
	// disables it.
	Directive string

	// Model overrides the provider's default model.
	Model string
}

// Snapshot is a consistent copy of the machine state.
type Snapshot struct {
	Session

	// Kind and Message describe the failure while Status is StatusError.
	Kind    Kind
	Message string
	Err     error

	// Speaking reports whether reply audio is scheduled or playing.
	Speaking bool

	// Level is the most recent microphone activity level in [0,1].
	Level float64

	// NextRetry is when an automatic retry is due; zero if none is pending.
	NextRetry time.Time
}

// Authorizer is the credential collaborator.
type Authorizer interface {
	// Authorized reports whether a credential is available.
	Authorized(ctx context.Context) bool

	// RequestAuthorization marks the credential in use as rejected and asks
	// the user for a new one. It is called on the failure path before the
	// status changes and must not block.
	RequestAuthorization(ctx context.Context) error
}
