package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "workflow not found"}
	want := "NOT_FOUND: workflow not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "name", Code: FieldRequired, Message: "name is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "name" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "name")
	}
}

func TestNewUnknownStepError(t *testing.T) {
	e := NewUnknownStepError("stepName", "teleport")
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 || e.Details[0].Code != FieldUnknownStep {
		t.Errorf("Details = %+v, want one UNKNOWN_STEP detail", e.Details)
	}
}

func TestNewInvalidTransitionError(t *testing.T) {
	e := NewInvalidTransitionError("step already completed")
	if e.Code != ErrInvalidTransition {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidTransition)
	}
}

func TestNewInvalidNavigationError(t *testing.T) {
	e := NewInvalidNavigationError("complete previous steps first")
	if e.Code != ErrInvalidNavigation {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidNavigation)
	}
}

func TestNewUnavailableError(t *testing.T) {
	e := NewUnavailableError()
	if e.Code != ErrUnavailable {
		t.Errorf("Code = %q, want %q", e.Code, ErrUnavailable)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", fmt.Errorf("boom"), ""},
		{"envelope", NewConflictError("x"), ErrConflict},
		{"wrapped", fmt.Errorf("store: %w", NewNotFoundError("x")), ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIsCode(t *testing.T) {
	if IsCode(nil, ErrNotFound) {
		t.Error("IsCode(nil) = true")
	}
	if !IsCode(NewForbiddenError("no"), ErrForbidden) {
		t.Error("IsCode(forbidden, FORBIDDEN) = false")
	}
}
