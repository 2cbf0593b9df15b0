// Package perr defines the closed error taxonomy the core produces.
package perr

import (
	"errors"
	"fmt"
)

// Kind is one of the seven error kinds the core can surface.
type Kind string

const (
	KindNoSuchBar        Kind = "no_such_bar"
	KindSchemaDrift      Kind = "schema_drift"
	KindValidation       Kind = "validation_error"
	KindConflict         Kind = "conflict"
	KindRateLimited      Kind = "rate_limited"
	KindStoreUnavailable Kind = "store_unavailable"
	KindInternal         Kind = "internal"
)

// DriftDetail describes the schema mismatch that triggered a SchemaDrift error.
type DriftDetail struct {
	Position     int
	ExpectedName string
	ActualName   string
	Reason       string
}

// Error is the concrete type behind every error this core returns.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Drift   *DriftDetail
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an error of the given kind around a lower-level cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Drift builds a SchemaDrift error carrying the mismatch detail.
func Drift(message string, detail DriftDetail) *Error {
	return &Error{Kind: KindSchemaDrift, Message: message, Drift: &detail}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// As extracts the *Error, if any, from err.
func As(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}
