// Package apperr defines the failure kinds surfaced to callers of the dental record core.
// Infrastructure errors from stores and blob backends are not represented here and pass
// through as ordinary wrapped errors.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, caller-visible error classification.
type Kind string

const (
	KindValidation      Kind = "VALIDATION_ERROR"
	KindNotFound        Kind = "NOT_FOUND"
	KindIllegalState    Kind = "ILLEGAL_STATE"
	KindUnknownCategory Kind = "UNKNOWN_CATEGORY"
)

// Error is a typed domain failure with a human-readable message.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is lets errors.Is match two domain errors of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is comparisons by kind only.
var (
	ErrValidation      = &Error{Kind: KindValidation}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrIllegalState    = &Error{Kind: KindIllegalState}
	ErrUnknownCategory = &Error{Kind: KindUnknownCategory}
)

func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func IllegalState(format string, args ...interface{}) *Error {
	return &Error{Kind: KindIllegalState, Message: fmt.Sprintf(format, args...)}
}

// NotFound formats the message as "{resource} with id {id} not found".
func NotFound(resource, id string) *Error {
	if id == "" {
		return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", resource)}
	}
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s with id %s not found", resource, id)}
}

func UnknownCategory(category string) *Error {
	return &Error{Kind: KindUnknownCategory, Message: fmt.Sprintf("unknown procedure category: %s", category)}
}

// KindOf returns the kind of the first domain error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries a domain error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
