// Package runtimeerr defines the error taxonomy shared by every component
// boundary in the orchestration runtime. Components never throw arbitrary
// errors across their interfaces; they return (or wrap) an *Error carrying
// one of the closed Kind values so callers can make routing decisions
// (retry, surface to the user, fail the run) without string matching.
package runtimeerr

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy of error categories used throughout the
// runtime (tools, agents, the coordinator, the subsystems).
type Kind string

const (
	InvalidArgs         Kind = "invalid_args"
	NotFound            Kind = "not_found"
	PermissionDenied    Kind = "permission_denied"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Timeout             Kind = "timeout"
	Internal            Kind = "internal"
	Cancelled           Kind = "cancelled"
	QuotaExhausted      Kind = "quota_exhausted"
)

// Error is a typed error carrying a Kind plus an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an *Error with the given kind, message, and cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, walking the unwrap chain. Returns
// Internal for errors that were never classified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err (or something it wraps) carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
