// Package apperr defines the error kinds shared by the chat pipeline and the
// transport boundaries that translate them into status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of its concrete type.
type Kind string

const (
	KindEmptyInput          Kind = "empty_input"
	KindValidation          Kind = "validation"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindStorage             Kind = "storage_failure"
	KindRetrieval           Kind = "retrieval_failure"
	KindNotFound            Kind = "not_found"
	KindInternal            Kind = "internal_error"
)

// Phase values recorded on storage errors.
const (
	PhasePreGeneration  = "pre_generation"
	PhasePostGeneration = "post_generation"
)

// Error carries a kind, a stable machine-readable code and a human message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Phase   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind. The code defaults to the kind.
func New(kind Kind, code, message string) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches kind and message to an underlying cause.
func Wrap(err error, kind Kind, code, message string) *Error {
	e := New(kind, code, message)
	e.Err = err
	return e
}

// WithPhase returns a copy of e tagged with phase.
func (e *Error) WithPhase(phase string) *Error {
	c := *e
	c.Phase = phase
	return &c
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// CodeOf returns the stable code for err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return string(KindInternal)
}

// PublicMessage returns text that is safe to show to a caller. Internal errors
// never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "Internal server error"
}
