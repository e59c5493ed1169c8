// Package errs defines the error kinds shared across stores, services and
// the HTTP gateway. Callers classify with errors.Is and wrap with %w.
package errs

import "errors"

var (
	// ErrValidation marks malformed or missing caller input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a lookup for a row that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUpstream marks a failure in an external dependency (LLM API,
	// notifier transport). Transient by assumption.
	ErrUpstream = errors.New("upstream error")
)
