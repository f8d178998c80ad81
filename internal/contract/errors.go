// Package contract validates untrusted spec patches and generated problem
// drafts before anything reaches durable state.
package contract

import "fmt"

// Rejection explains why a patch field was dropped.
type Rejection struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned for a problem draft that breaks the contract.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
