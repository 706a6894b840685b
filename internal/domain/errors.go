package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for stores and the orchestrator.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrBatchNotFound = errors.New("batch not found")
	ErrCancelled     = errors.New("processing cancelled")
	ErrInputTooLarge = errors.New("input exceeds configured size limit")
	ErrInvalidInput  = errors.New("invalid input")
)

// ErrorKind is the error taxonomy of the pipeline. Schema errors are fatal
// for the input before a batch exists; row errors are isolated and recorded
// on the batch.
type ErrorKind string

const (
	KindValidationSchema ErrorKind = "validation/schema"
	KindValidationRow    ErrorKind = "validation/row"
	KindMissingNorm      ErrorKind = "normalization/missing_norm"
	KindNoPolicy         ErrorKind = "assessment/no_policy"
	KindCancelled        ErrorKind = "orchestration/cancelled"
	KindTimeout          ErrorKind = "orchestration/timeout"
	KindRenderer         ErrorKind = "export/renderer"
)

// ProcessingError is a tagged pipeline error: the kind places it in the
// taxonomy, Row locates it in the input (-1 when not row-scoped), and Field
// names the offending column when one exists.
type ProcessingError struct {
	Kind    ErrorKind `json:"kind"`
	Row     int       `json:"row"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *ProcessingError) Error() string {
	if e.Row >= 0 {
		if e.Field != "" {
			return fmt.Sprintf("%s: row %d, field %s: %s", e.Kind, e.Row, e.Field, e.Message)
		}
		return fmt.Sprintf("%s: row %d: %s", e.Kind, e.Row, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewSchemaError creates a fatal pre-batch input error.
func NewSchemaError(message string) *ProcessingError {
	return &ProcessingError{Kind: KindValidationSchema, Row: -1, Message: message}
}

// NewRowError creates an isolated per-row error.
func NewRowError(row int, field, message string) *ProcessingError {
	return &ProcessingError{Kind: KindValidationRow, Row: row, Field: field, Message: message}
}

// ValidationError reports a single invalid field on a configuration or
// input value.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: message, Value: value}
}
