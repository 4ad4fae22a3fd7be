package provider

import (
	"errors"
	"fmt"
)

// Stable machine-readable codes; the HTTP layer maps these to status codes.
const (
	CodeProvider       = "provider_error"
	CodeUnavailable    = "provider_unavailable"
	CodeBudgetExceeded = "budget_exceeded"
	CodeAllFailed      = "all_providers_failed"
	CodeModelNotFound  = "model_not_found"
)

// ErrUnsupported marks an operation a backend does not implement.
var ErrUnsupported = errors.New("operation not supported")

// Error is the uniform provider-scoped error. The router treats it as
// recoverable: log, advance to the next candidate.
type Error struct {
	Provider string
	Op       string // "complete", "stream", "embed"
	Err      error
}

func E(providerName, op string, err error) *Error {
	return &Error{Provider: providerName, Op: op, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Code() string { return CodeProvider }

// UnavailableError means a backend was never successfully registered or
// configured. Treated like a provider error for fallback, kept distinct for
// diagnostics.
type UnavailableError struct {
	Provider string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider %s is not available", e.Provider)
}

func (e *UnavailableError) Code() string { return CodeUnavailable }

// Coder is implemented by every error type the core surfaces to
// collaborators.
type Coder interface {
	Code() string
}

// CodeOf extracts the machine code from err, or CodeProvider if none of the
// chain carries one.
func CodeOf(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeProvider
}
