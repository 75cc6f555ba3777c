// Package roomerr defines the stable error kinds carried across every
// room-server component boundary and mapped to transport-level exception
// frames by the Room Controller.
package roomerr

import "fmt"

// Kind is a stable, client-visible error tag.
type Kind string

const (
	Unauthorized        Kind = "unauthorized"
	Forbidden           Kind = "forbidden"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	InvalidInput        Kind = "invalid_input"
	UpstreamUnavailable Kind = "upstream_unavailable"
	RoomFull            Kind = "room_full"
	RoomInactive        Kind = "room_inactive"
	RoomCodeExhausted   Kind = "room_code_exhausted"
	Internal            Kind = "internal"
)

// Error is the single error currency used by every public component method.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error of the given kind with an optional context map.
func New(kind Kind, message string, ctx map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Context: ctx}
}

// Is reports whether err is itself a *Error of the given Kind. It does not
// unwrap: an *Error wrapped by fmt.Errorf("%w") does not match.
func Is(err error, kind Kind) bool {
	re, ok := err.(*Error)
	return ok && re.Kind == kind
}

func Unauthorizedf(format string, args ...any) *Error {
	return New(Unauthorized, fmt.Sprintf(format, args...), nil)
}

func Forbiddenf(format string, args ...any) *Error {
	return New(Forbidden, fmt.Sprintf(format, args...), nil)
}

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...), nil)
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...), nil)
}

func InvalidInputf(format string, args ...any) *Error {
	return New(InvalidInput, fmt.Sprintf(format, args...), nil)
}

func Internalf(format string, args ...any) *Error {
	return New(Internal, fmt.Sprintf(format, args...), nil)
}

// Upstream builds an upstream_unavailable error carrying a classified reason
// (rate_limited, timeout, not_found, quota_exceeded, circuit_open) in
// Context["reason"].
func Upstream(reason string, message string) *Error {
	return New(UpstreamUnavailable, message, map[string]any{"reason": reason})
}
