// Package apperr defines the error taxonomy shared by the presence, messaging
// and moderation components. Every failure that reaches a client is one of the
// kinds below; handlers turn it into a failed acknowledgement or an HTTP status
// instead of letting it escape the event loop.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindAuthorization
	KindConflict
	KindPersistence
)

// String returns the wire code used in acknowledgement payloads.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindPersistence:
		return "server_error"
	default:
		return "unknown"
	}
}

// Error is a classified failure with a message safe to show to the issuer.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Validation reports a malformed or missing payload field.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a referenced user, message or notification that does not exist.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports an actor whose role is insufficient or a protected target.
func Forbidden(format string, args ...any) error {
	return &Error{Kind: KindAuthorization, Message: fmt.Sprintf(format, args...)}
}

// Conflict reports an action that is a no-op given the current state.
func Conflict(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// Persistence wraps a store failure. The wrapped error is logged but never
// shown to clients.
func Persistence(op string, err error) error {
	return &Error{Kind: KindPersistence, Message: op, Err: err}
}

// KindOf returns the kind of err, or KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the text an issuer should see for err. Store failures
// and unclassified errors collapse to a generic server error.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindPersistence && e.Kind != KindUnknown {
		return e.Message
	}
	return "internal server error"
}
