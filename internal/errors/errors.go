// Package errors provides structured error types for healthdb.
// Every error carries a category, a code, a message and a retryable flag so
// that the store, the importer and the report API classify failures the same
// way.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the layer that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryIngest     ErrorCategory = "INGEST"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeConflict      = "CONFLICT"
	CodeUnknownColumn = "UNKNOWN_COLUMN"
	CodeInvalidValue  = "INVALID_VALUE"

	// Storage codes
	CodeBusy      = "BUSY"
	CodeTimeout   = "TIMEOUT"
	CodeIOFailure = "IO_FAILURE"
	CodeIntegrity = "INTEGRITY"

	// Schema codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"

	// Ingest codes
	CodeParseError = "PARSE_ERROR"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// HealthError is the structured error type used throughout the system.
type HealthError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *HealthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *HealthError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *HealthError) Is(target error) bool {
	var t *HealthError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new HealthError.
func New(category ErrorCategory, code, message string) *HealthError {
	return &HealthError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new HealthError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *HealthError {
	return &HealthError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *HealthError) WithDetails(details map[string]interface{}) *HealthError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var he *HealthError
	if errors.As(err, &he) {
		return he.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a HealthError.
func GetCategory(err error) ErrorCategory {
	var he *HealthError
	if errors.As(err, &he) {
		return he.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a HealthError.
func GetCode(err error) string {
	var he *HealthError
	if errors.As(err, &he) {
		return he.Code
	}
	return ""
}

// HasCode reports whether any HealthError in the chain carries code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// IsFatal reports whether the error must stop the process rather than the
// current file or message.
func IsFatal(err error) bool {
	return GetCategory(err) == ErrCategorySchema
}

// isRetryable reports whether a category/code pair is a transient condition.
// Lock contention and timeouts are transient; integrity violations never are.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeBusy:
		return true
	case category == ErrCategoryStorage && code == CodeTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *HealthError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *HealthError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewSchemaError(message string) *HealthError {
	return New(ErrCategorySchema, CodeSchemaMismatch, message)
}

func NewIngestError(code, message string, cause error) *HealthError {
	return Wrap(ErrCategoryIngest, code, message, cause)
}

func NewInternalError(message string, cause error) *HealthError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
