// Package apperr defines the error taxonomy shared by the resolver, messaging
// and call signaling services.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and transport mapping.
type Kind string

const (
	KindInternal             Kind = "internal"
	KindUnauthenticated      Kind = "unauthenticated"
	KindNotFound             Kind = "not_found"
	KindUnauthorized         Kind = "unauthorized"
	KindUnrepairable         Kind = "unrepairable"
	KindSignalingUnavailable Kind = "signaling_unavailable"
	KindTransient            Kind = "transient_store_failure"
	KindInvalidArgument      Kind = "invalid_argument"
	KindConflict             Kind = "conflict"
	KindEditWindowExpired    Kind = "edit_window_expired"
)

// Sentinel errors. Match with errors.Is.
var (
	ErrUnauthenticated      = &Error{Kind: KindUnauthenticated, Msg: "not authenticated"}
	ErrNotFound             = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrUnauthorized         = &Error{Kind: KindUnauthorized, Msg: "not authorized"}
	ErrUnrepairable         = &Error{Kind: KindUnrepairable, Msg: "unrepairable conversation"}
	ErrSignalingUnavailable = &Error{Kind: KindSignalingUnavailable, Msg: "callee unavailable"}
	ErrTransient            = &Error{Kind: KindTransient, Msg: "temporary store failure"}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument, Msg: "invalid argument"}
	ErrConflict             = &Error{Kind: KindConflict, Msg: "conflict"}
	ErrEditWindowExpired    = &Error{Kind: KindEditWindowExpired, Msg: "edit window expired"}
)

// Error is a classified error. Detail carries context for manual intervention
// (for example the candidate ids of an unrepairable conversation).
type Error struct {
	Kind   Kind
	Msg    string
	Detail map[string]any
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so a specific error matches its sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithDetail returns a copy of e carrying an extra detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	detail := make(map[string]any, len(e.Detail)+1)
	for k, v := range e.Detail {
		detail[k] = v
	}
	detail[key] = value
	return &Error{Kind: e.Kind, Msg: e.Msg, Detail: detail, Err: e.Err}
}

// KindOf returns the kind of the first classified error in the chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// DetailOf returns the detail map of the first classified error in the chain.
func DetailOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return nil
}
