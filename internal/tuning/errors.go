package tuning

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error returned across package boundaries matches exactly
// one of these with errors.Is.
var (
	ErrMalformedRequest           = errors.New("malformed request")
	ErrUnknownResource            = errors.New("unknown resource")
	ErrUnknownSignal              = errors.New("unknown signal")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrRateLimited                = errors.New("rate limited")
	ErrDuplicate                  = errors.New("duplicate request")
	ErrUnresolvedResource         = errors.New("unresolved resource")
	ErrResourceApplyFailure       = errors.New("resource apply failure")
	ErrClientNotFound             = errors.New("client not found")
	ErrCrashRecoveryInconsistency = errors.New("crash recovery inconsistency")
)

var kindNames = map[error]string{
	ErrMalformedRequest:           "malformed_request",
	ErrUnknownResource:            "unknown_resource",
	ErrUnknownSignal:              "unknown_signal",
	ErrPermissionDenied:           "permission_denied",
	ErrRateLimited:                "rate_limited",
	ErrDuplicate:                  "duplicate",
	ErrUnresolvedResource:         "unresolved_resource",
	ErrResourceApplyFailure:       "resource_apply_failure",
	ErrClientNotFound:             "client_not_found",
	ErrCrashRecoveryInconsistency: "crash_recovery_inconsistency",
}

// Error attaches detail and an optional cause to a taxonomy sentinel.
type Error struct {
	Kind   error
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ErrorKind returns the snake_case classification of the error.
func (e *Error) ErrorKind() string {
	return kindNames[e.Kind]
}

// Errorf builds an Error of the given kind with a formatted detail.
func Errorf(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind error, detail string, err error) error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf returns the classification of err, or "internal" for errors outside the
// taxonomy.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, name := range kindNames {
		if errors.Is(err, sentinel) {
			return name
		}
	}
	return "internal"
}

// KindByName maps a classification back to its sentinel. Used by transports that
// carry the kind as a string.
func KindByName(name string) (error, bool) {
	for sentinel, n := range kindNames {
		if n == name {
			return sentinel, true
		}
	}
	return nil, false
}
