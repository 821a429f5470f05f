package s2s

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorClass is the coarse category of a session failure. It decides which
// message the user sees and whether the caller may reconnect automatically.
type ErrorClass int

const (
	// ClassUnknown covers everything not recognised below.
	ClassUnknown ErrorClass = iota

	// ClassAuthorization means the credential was rejected or the requested
	// resource does not exist for it. Reconnecting will not help until the
	// credential changes.
	ClassAuthorization

	// ClassNetwork means the connection could not be made or was lost.
	ClassNetwork
)

// String returns the lowercase name of the class.
func (c ErrorClass) String() string {
	switch c {
	case ClassAuthorization:
		return "authorization"
	case ClassNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Error is an error reported by the remote service.
type Error struct {
	// Class is the category assigned by the provider. Leave it as
	// ClassUnknown to have [Classify] derive it from the other fields.
	Class ErrorClass

	// Code is the HTTP-style status code, if any.
	Code int

	// Status is the canonical status name, e.g. "PERMISSION_DENIED".
	Status string

	// Message is the human-readable message from the service.
	Message string

	// Err is the underlying transport error, if any.
	Err error
}

// Error implements error.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("s2s: ")
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("service error")
	}
	if e.Code != 0 || e.Status != "" {
		fmt.Fprintf(&b, " (code=%d status=%s)", e.Code, e.Status)
	}
	return b.String()
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error { return e.Err }

// authMarkers are message fragments the service uses for credential problems.
// "Requested entity was not found" is what Gemini reports for a key that
// belongs to a project without access to the model.
var authMarkers = []string{
	"requested entity was not found",
	"api key not valid",
	"api_key_invalid",
	"permission_denied",
	"unauthenticated",
	"permission denied",
}

var networkMarkers = []string{
	"network error",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"i/o timeout",
	"unexpected eof",
}

// Classify maps any session or connect error onto an [ErrorClass].
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var se *Error
	if errors.As(err, &se) {
		if se.Class != ClassUnknown {
			return se.Class
		}
		switch se.Code {
		case 401, 403:
			return ClassAuthorization
		}
		switch se.Status {
		case "UNAUTHENTICATED", "PERMISSION_DENIED":
			return ClassAuthorization
		case "UNAVAILABLE", "DEADLINE_EXCEEDED":
			return ClassNetwork
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range authMarkers {
		if strings.Contains(msg, m) {
			return ClassAuthorization
		}
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, context.DeadlineExceeded):
		return ClassNetwork
	}
	for _, m := range networkMarkers {
		if strings.Contains(msg, m) {
			return ClassNetwork
		}
	}
	return ClassUnknown
}
