// Package errors defines the hub's error taxonomy: a small set of symbolic
// kinds that every subsystem maps its failures onto before they reach a
// session subscriber. Subscribers only ever see a Kind and a message, never
// a stack trace or an internal identifier.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a symbolic error category (spec §7). It is the only thing the
// outside world (session subscribers, CLI exit codes) is allowed to branch
// on; the underlying Go error chain stays internal.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAudioFormat    Kind = "audio_format"
	KindPipeline       Kind = "pipeline"
	KindStream         Kind = "stream"
	KindSession        Kind = "session"
	KindProvider       Kind = "provider"
	KindResource       Kind = "resource"
	KindTimeout        Kind = "timeout"
	KindState          Kind = "state"
	KindConfiguration  Kind = "configuration"
)

// Error is a taxonomy-tagged error. Wrap any internal failure with New before
// it crosses a subsystem boundary.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a taxonomy error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind to an existing error without discarding it; Unwrap
// still reaches the original error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, otherwise it returns empty string and false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Sentinel errors for conditions callers frequently need to compare against
// with errors.Is, mirroring the teacher's package-level sentinel style
// (pkg/orchestrator/errors.go).
var (
	// ErrNoCapacityForSession is returned by the provider pool when a
	// session already holds its per-session quota of leases.
	ErrNoCapacityForSession = New(KindResource, "session has no remaining lease capacity")

	// ErrLeaseTimeout is returned when a lease request's timeout elapses
	// before a provider becomes available.
	ErrLeaseTimeout = New(KindTimeout, "lease request timed out")

	// ErrPoolInitializationFailed is returned when the pool cannot produce
	// a single healthy provider.
	ErrPoolInitializationFailed = New(KindResource, "provider pool failed to initialize any provider")

	// ErrUnknownSession is returned (and otherwise ignored, per spec §4.7)
	// when an action references a session_id the store doesn't know.
	ErrUnknownSession = New(KindSession, "unknown session id")

	// ErrSessionLimitReached is returned by CreateSession when max_sessions
	// is already at capacity.
	ErrSessionLimitReached = New(KindResource, "session limit reached")

	// ErrUnsupportedFormat is returned by the audio converter for
	// combinations outside the declared conversion matrix.
	ErrUnsupportedFormat = New(KindAudioFormat, "unsupported audio format combination")

	// ErrNoValidTransition marks an (state, event) pair with no table entry;
	// logged, never raised to a caller as a hard failure.
	ErrNoValidTransition = New(KindState, "no valid transition for state/event")
)
