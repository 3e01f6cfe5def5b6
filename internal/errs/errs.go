// Package errs defines the error taxonomy shared by the call, transport and
// media layers. Errors carry a Kind so boundaries can translate a failure
// into user-facing state without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the layer that has to react to it.
type Kind string

const (
	// Unauthenticated: no current user/session. Fatal to the attempted
	// action, not to the process.
	Unauthenticated Kind = "unauthenticated"

	// TransportFailed: transient connectivity loss. Recoverable; the
	// transport manager retries with backoff.
	TransportFailed Kind = "transport_failed"

	// AuthenticationFailed: the transport rejected our credentials.
	// Never retried automatically.
	AuthenticationFailed Kind = "authentication_failed"

	// MediaAccessDenied: camera/microphone permission or device failure.
	// Fatal to the current call attempt.
	MediaAccessDenied Kind = "media_access_denied"

	// CallInProgress: a call is already active; the new action is rejected
	// and the existing call is left untouched.
	CallInProgress Kind = "call_in_progress"

	// NegotiationFailed: ICE/SDP failure after the restart attempt was
	// exhausted. Ends the call as failed.
	NegotiationFailed Kind = "negotiation_failed"

	// ReconnectExhausted: backoff attempts used up; a manual reconnect
	// is required.
	ReconnectExhausted Kind = "reconnect_exhausted"
)

// Error is a classified error. Use New/Wrap to construct and KindOf to match.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil if err is nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or "" when err carries no classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) has the given Kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }
