// Package apperr defines the error taxonomy shared by the REST collaborator,
// the API client and the sync core. Every error that crosses a package
// boundary for an expected condition carries a Kind so the caller can decide
// whether to retry, re-authenticate or show the message verbatim.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the caller is expected to recover.
type Kind int

const (
	KindUnexpected Kind = iota // anything else: logged, reported generically
	KindValidation             // missing or malformed input
	KindAuth                   // invalid or expired credential
	KindNotFound               // chat or user absent
	KindConflict               // e.g. duplicate signup email
	KindTransient              // network or socket failure, retryable
)

// String returns the wire code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "unexpected"
	}
}

// ParseKind is the inverse of Kind.String. Unknown codes map to KindUnexpected.
func ParseKind(code string) (Kind, bool) {
	switch code {
	case "validation":
		return KindValidation, true
	case "auth":
		return KindAuth, true
	case "not_found":
		return KindNotFound, true
	case "conflict":
		return KindConflict, true
	case "transient":
		return KindTransient, true
	case "unexpected":
		return KindUnexpected, true
	}
	return KindUnexpected, false
}

// Error is a classified error. Message is safe to show to a user; Err holds
// the underlying cause, if any.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error with a user-facing message.
func E(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain. Unclassified
// errors are KindUnexpected.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether retrying the same operation may succeed without
// user action.
func Retryable(err error) bool {
	return Is(err, KindTransient)
}

// UserMessage returns the text to show for err. Validation and conflict
// errors surface the server-provided message verbatim; everything else gets a
// generic line.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Something went wrong. Please try again later."
	}
	switch e.Kind {
	case KindValidation, KindConflict, KindNotFound:
		if m := messageOf(err); m != "" {
			return m
		}
	case KindAuth:
		return "Your session has expired. Please log in again."
	case KindTransient:
		return "Network problem. Please retry."
	}
	return "Something went wrong. Please try again later."
}

// messageOf returns the first non-empty Message in err's chain.
func messageOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Message != "" {
			return e.Message
		}
		err = e.Err
	}
	return ""
}

// HTTPStatus maps a kind to the status code the REST collaborator responds
// with. Conflicts use 400 to honour the signup contract; the body code still
// distinguishes them.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus classifies a non-2xx HTTP response. An explicit body code wins
// over the status so conflicts reported as 400 stay conflicts.
func FromStatus(status int, code string) Kind {
	if k, ok := ParseKind(code); ok {
		return k
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return KindTransient
	case status >= 400 && status < 500:
		return KindValidation
	default:
		return KindUnexpected
	}
}
