// Package swarmerr provides the structured error taxonomy shared by every
// component of the distributed query engine: NotFound, InvalidArgument,
// SchemaMismatch, Unavailable, Timeout, and Internal.
package swarmerr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is one of the six error kinds the engine surfaces to callers.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindInvalidArgument  Kind = "INVALID_ARGUMENT"
	KindSchemaMismatch   Kind = "SCHEMA_MISMATCH"
	KindUnavailable      Kind = "UNAVAILABLE"
	KindTimeout          Kind = "TIMEOUT"
	KindInternal         Kind = "INTERNAL"
)

// Error is a structured error carrying a kind, the owning component, and
// optional context. It satisfies the standard errors.Is/errors.Unwrap
// protocol via Is and Unwrap.
type Error struct {
	Kind      Kind              `json:"kind"`
	Component string            `json:"component"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`
}

// New creates an Error of the given kind for the given component.
func New(kind Kind, component, message string) *Error {
	return &Error{
		Kind:      kind,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is / errors.As against the wrapped cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// WithContext attaches a contextual key/value pair, returning e for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCause attaches the underlying error that triggered this one.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// Retryable reports whether the caller may reasonably retry the operation
// that produced this error. Only Unavailable and Timeout are retryable by
// default; the other kinds reflect a condition that will not change on
// retry alone.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnavailable || e.Kind == KindTimeout
}

// JSON renders the error as a JSON object, omitting the unwrapped cause.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"kind":"INTERNAL","message":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NotFound builds a NotFound error naming the missing entity.
func NotFound(component, format string, args ...interface{}) *Error {
	return New(KindNotFound, component, fmt.Sprintf(format, args...))
}

// InvalidArgument builds an InvalidArgument error.
func InvalidArgument(component, format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, component, fmt.Sprintf(format, args...))
}

// SchemaMismatch builds a SchemaMismatch error, typically naming the
// divergent nodes in Context["divergent_nodes"].
func SchemaMismatch(component, format string, args ...interface{}) *Error {
	return New(KindSchemaMismatch, component, fmt.Sprintf(format, args...))
}

// Unavailable builds an Unavailable error (queue full, no reachable
// endpoint, gossip error, memory gate closed).
func Unavailable(component, format string, args ...interface{}) *Error {
	return New(KindUnavailable, component, fmt.Sprintf(format, args...))
}

// TimeoutErr builds a Timeout error.
func TimeoutErr(component, format string, args ...interface{}) *Error {
	return New(KindTimeout, component, fmt.Sprintf(format, args...))
}

// Internal builds an Internal error (lock poisoning, encode/decode
// failures). The process remains structurally sound; only the one
// operation fails.
func Internal(component, format string, args ...interface{}) *Error {
	return New(KindInternal, component, fmt.Sprintf(format, args...))
}

// Is reports whether err (or anything it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			return se.Kind == k
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, and
// KindInternal otherwise — every error that escapes the engine is
// classifiable into the taxonomy even if it originated elsewhere (e.g. a
// raw JSON decode error from a third-party library).
func KindOf(err error) Kind {
	for err != nil {
		if se, ok := err.(*Error); ok {
			return se.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindInternal
}

// JoinContext renders a context map as "k1=v1, k2=v2" for log lines.
func JoinContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ctx))
	for k, v := range ctx {
		parts = append(parts, fmt.Sprintf("%s=%s", k, v))
	}
	return strings.Join(parts, ", ")
}
