package session

import (
	"errors"

	"github.com/MrWong99/chatterbox/pkg/provider/s2s"
)

// Failure sentinels. Errors reported through [Snapshot.Err] wrap exactly one
// of them so callers can branch with errors.Is.
var (
	// ErrDeviceAcquisition means the microphone or output device could not
	// be opened. Fatal to the attempt and never retried automatically.
	ErrDeviceAcquisition = errors.New("session: audio device unavailable")

	// ErrAuthorization means the service rejected the credential.
	ErrAuthorization = errors.New("session: not authorised")

	// ErrTransport means the connection could not be made or was lost.
	ErrTransport = errors.New("session: transport failure")

	// ErrDecode marks a malformed inbound chunk. It is logged and counted
	// but never ends a session.
	ErrDecode = errors.New("session: undecodable audio chunk")

	// ErrUnknown covers every failure not classified above.
	ErrUnknown = errors.New("session: unexpected failure")
)

// Transition errors returned by the user actions.
var (
	// ErrInvalidTransition is returned when an action is not valid in the
	// current status.
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrConnecting is returned by Start while a connect is in flight.
	ErrConnecting = errors.New("session: connect already in progress")

	// ErrStopped is returned by Start and Retry when Stop interrupted the
	// connect.
	ErrStopped = errors.New("session: stopped while connecting")
)

// Kind is the failure category of an Error status.
type Kind int

const (
	KindNone Kind = iota
	KindDeviceAcquisition
	KindAuthorization
	KindTransport
	KindUnknown
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDeviceAcquisition:
		return "device_acquisition"
	case KindAuthorization:
		return "authorization"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Sentinel returns the sentinel error for the kind, or nil for KindNone.
func (k Kind) Sentinel() error {
	switch k {
	case KindNone:
		return nil
	case KindDeviceAcquisition:
		return ErrDeviceAcquisition
	case KindAuthorization:
		return ErrAuthorization
	case KindTransport:
		return ErrTransport
	default:
		return ErrUnknown
	}
}

// kindOf maps a transport error onto a Kind.
func kindOf(err error) Kind {
	switch s2s.Classify(err) {
	case s2s.ClassAuthorization:
		return KindAuthorization
	case s2s.ClassNetwork:
		return KindTransport
	default:
		return KindUnknown
	}
}

// Messages holds the user-facing text shown for each failure. Empty fields
// fall back to [DefaultMessages].
type Messages struct {
	// DeviceAcquisition is shown when the microphone or speaker cannot be
	// opened.
	DeviceAcquisition string `yaml:"device_acquisition"`

	// Authorization is shown when the credential was rejected.
	Authorization string `yaml:"authorization"`

	// Network is shown when the connection drops or cannot be reached.
	Network string `yaml:"network"`

	// Setup is shown when connecting fails for any other reason.
	Setup string `yaml:"setup"`

	// Unknown is shown when an established conversation fails for any other
	// reason.
	Unknown string `yaml:"unknown"`
}

// DefaultMessages returns the built-in messages.
func DefaultMessages() Messages {
	return Messages{
		DeviceAcquisition: "Microphone unavailable. Check that it is connected and that access is allowed.",
		Authorization:     "The API key was rejected. Provide a valid key, then try again.",
		Network:           "Connection lost. Check your network, then try again.",
		Setup:             "Could not start the conversation. Try again.",
		Unknown:           "Something went wrong. Try again.",
	}
}

// withDefaults fills empty fields from DefaultMessages.
func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	if m.DeviceAcquisition == "" {
		m.DeviceAcquisition = d.DeviceAcquisition
	}
	if m.Authorization == "" {
		m.Authorization = d.Authorization
	}
	if m.Network == "" {
		m.Network = d.Network
	}
	if m.Setup == "" {
		m.Setup = d.Setup
	}
	if m.Unknown == "" {
		m.Unknown = d.Unknown
	}
	return m
}

// For selects the message for a failure. established reports whether the
// service had acknowledged the session before it failed.
func (m Messages) For(k Kind, established bool) string {
	m = m.withDefaults()
	switch k {
	case KindNone:
		return ""
	case KindDeviceAcquisition:
		return m.DeviceAcquisition
	case KindAuthorization:
		return m.Authorization
	case KindTransport:
		return m.Network
	}
	if established {
		return m.Unknown
	}
	return m.Setup
}
