package idp

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoStore indicates the registry was constructed without a backing database.
var ErrNoStore = errors.New("identity provider store is not configured")

// ErrorKind classifies a federation failure so the HTTP layer can map it to a
// status code without inspecting message text.
type ErrorKind int

const (
	// KindValidation covers malformed or missing caller input.
	KindValidation ErrorKind = iota
	// KindAuth covers credential, signature, and token validation failures.
	// These are reported to the end user with a generic message only.
	KindAuth
	// KindConfig covers administrator-facing provider misconfiguration.
	KindConfig
	// KindUpstream covers timeouts and unreachable IdP endpoints.
	KindUpstream
	// KindLocked is returned by the brute-force guard.
	KindLocked
	// KindInternal covers programmer errors and invalid registry state.
	KindInternal
)

// Error is the typed failure returned by every authenticator and by the
// registry. Nothing below the authenticator boundary leaks raw library errors.
type Error struct {
	Kind  ErrorKind
	Field string // optional, set for validation errors
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error for operator logs. The cause is
// never rendered into the user-facing message.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// Validationf builds a field-scoped validation error.
func Validationf(field, format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Authf builds an authentication failure. Keep the message generic: it is
// shown to unauthenticated callers.
func Authf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuth, Msg: fmt.Sprintf(format, args...)}
}

// Configf builds a provider misconfiguration error with admin-facing detail.
func Configf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// Upstreamf builds a network/provider reachability error.
func Upstreamf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUpstream, Msg: fmt.Sprintf(format, args...)}
}

// Internalf builds an unrecoverable programmer error.
func Internalf(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind, defaulting to KindInternal for untyped errors.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// HTTPStatus maps the error taxonomy onto response codes. Upstream failures
// surface to the caller as authentication failures.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindConfig:
		return http.StatusUnprocessableEntity
	case KindAuth, KindUpstream:
		return http.StatusUnauthorized
	case KindLocked:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to show the caller. Auth and upstream
// failures collapse into a single generic string so a probing client cannot
// learn which gate rejected it.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindAuth, KindUpstream:
		return "authentication failed"
	case KindLocked:
		return "too many login attempts"
	case KindInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
