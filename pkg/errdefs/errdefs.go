// Package errdefs defines the error taxonomy shared by the core packages.
//
// Each typed error matches its sentinel through errors.Is, so callers can
// branch on the category without caring which component produced it.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when input violates a precondition
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a conditional write lost against a concurrent mutation
	ErrConflict = errors.New("conflict")

	// ErrToolExecution is returned when a tool exhausted its retries
	ErrToolExecution = errors.New("tool execution failed")

	// ErrExternalService is returned when a provider, catalog or sandbox call fails
	ErrExternalService = errors.New("external service error")
)

// ValidationError describes a rejected input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a ValidationError with a formatted message.
func Validation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// FieldValidation builds a ValidationError bound to a field.
func FieldValidation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ToolExecutionError is returned after the last failed attempt of a tool.
type ToolExecutionError struct {
	Tool     string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed after %d attempts: %v", e.Tool, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ExternalServiceError wraps a failure reported by an external collaborator.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// External wraps err as an ExternalServiceError. A nil err stays nil.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	return &ExternalServiceError{Service: service, Err: err}
}
