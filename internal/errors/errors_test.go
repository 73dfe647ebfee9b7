package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestHealthError_Error(t *testing.T) {
	err := New(ErrCategoryValidation, CodeConflict, "row exists")
	expected := "[VALIDATION:CONFLICT] row exists"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestHealthError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("database is locked")
	err := Wrap(ErrCategoryStorage, CodeBusy, "upsert monitoring_hr", cause)
	expected := "[STORAGE:BUSY] upsert monitoring_hr: database is locked"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestHealthError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeIntegrity, "constraint", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestHealthError_Is(t *testing.T) {
	err1 := New(ErrCategoryStorage, CodeIOFailure, "first")
	err2 := New(ErrCategoryStorage, CodeIOFailure, "second")
	err3 := New(ErrCategoryStorage, CodeIntegrity, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeBusy, true},
		{ErrCategoryStorage, CodeTimeout, true},
		{ErrCategoryStorage, CodeIOFailure, false},
		{ErrCategoryStorage, CodeIntegrity, false},
		{ErrCategorySchema, CodeSchemaMismatch, false},
		{ErrCategoryValidation, CodeConflict, false},
		{ErrCategoryIngest, CodeParseError, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("import: %w", NewIngestError(CodeParseError, "bad file", nil))
	if GetCategory(err) != ErrCategoryIngest {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryIngest)
	}
	if !HasCode(err, CodeParseError) {
		t.Errorf("got %q, want %q", GetCode(err), CodeParseError)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" || GetCode(fmt.Errorf("plain")) != "" {
		t.Error("non-HealthError should return empty category and code")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(NewSchemaError("rebuild required")) {
		t.Error("schema mismatch must be fatal")
	}
	if IsFatal(NewStorageError(CodeIOFailure, "retries exhausted", nil)) {
		t.Error("I/O failure aborts a file, not the process")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeUnknownColumn, "bad column")
	detailed := err.WithDetails(map[string]interface{}{"column": "heart_rte"})

	if detailed.Details["column"] != "heart_rte" {
		t.Error("WithDetails should set details")
	}
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}
