// Package apperr holds the error taxonomy shared by the submission, grading,
// penalty and regrade services.
package apperr

import (
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")

	// ErrOracleUnavailable wraps any transport or API failure of the scoring oracle.
	ErrOracleUnavailable = errors.New("scoring oracle unavailable")
	// ErrOracleRefusal means the oracle answered but declined to grade the content.
	ErrOracleRefusal = errors.New("scoring oracle refused to grade")
	// ErrParseMismatch means neither a score nor any verdict line could be read from a reply.
	ErrParseMismatch = errors.New("oracle reply does not match the expected grammar")
	// ErrEssayRegrade rejects essay results on the regrade path.
	ErrEssayRegrade = errors.New("essay results cannot be regraded, use essay grading")
	// ErrFileMissing means the stored essay file could not be located.
	ErrFileMissing = errors.New("essay file not found")
)

// FieldError is used to indicate an error with a specific request field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

// NewValidationError builds a ValidationError from a message and optional field errors.
func NewValidationError(msg string, flds ...FieldError) error {
	return &ValidationError{Err: errors.New(msg), Fields: flds}
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed"
	}
	if len(e.Fields) == 0 {
		return e.Err.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Error)
	}
	return e.Err.Error() + " (" + strings.Join(parts, ", ") + ")"
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
