// Package syncerr defines the error taxonomy shared by both mutation
// executors and the push protocol.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies a mutation failure. Kinds are stable wire values.
type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindVersionConflict     Kind = "version_conflict"
	KindValidation          Kind = "validation"
	KindConstraintViolation Kind = "constraint_violation"
	KindOutOfOrder          Kind = "out_of_order"
	KindUnknownMutator      Kind = "unknown_mutator"
	KindInternal            Kind = "internal"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so the package sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrUnauthenticated     = &Error{Kind: KindUnauthenticated}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrVersionConflict     = &Error{Kind: KindVersionConflict}
	ErrValidation          = &Error{Kind: KindValidation}
	ErrConstraintViolation = &Error{Kind: KindConstraintViolation}
	ErrOutOfOrder          = &Error{Kind: KindOutOfOrder}
	ErrUnknownMutator      = &Error{Kind: KindUnknownMutator}
)

// New returns an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping it in the chain.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Unauthenticated(format string, args ...any) *Error {
	return New(KindUnauthenticated, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func VersionConflict(format string, args ...any) *Error {
	return New(KindVersionConflict, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func ConstraintViolation(format string, args ...any) *Error {
	return New(KindConstraintViolation, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Detail returns the human-readable message of a classified error, or a
// generic text for unclassified ones so internals do not leak to clients.
func Detail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// Retryable reports whether resending a mutation that failed with kind can
// succeed without the user changing anything. Permission, validation and
// conflict failures need a human decision.
func Retryable(kind Kind) bool {
	switch kind {
	case KindForbidden, KindValidation, KindVersionConflict, KindNotFound,
		KindConstraintViolation, KindUnauthenticated, KindUnknownMutator:
		return false
	}
	return true
}
