package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Metadata errors
	ErrProjectNotFound   = errors.New("project not found")
	ErrEndpointNotFound  = errors.New("endpoint not found")
	ErrParameterNotFound = errors.New("parameter not found")
	ErrDuplicateEndpoint = errors.New("duplicate endpoint")
	ErrParameterConflict = errors.New("parameter name conflict")

	// Planning errors
	ErrNoSuitablePlan = errors.New("no suitable plan")
	ErrPlanInvalid    = errors.New("plan failed validation")
	ErrEmptyCatalog   = errors.New("project has no endpoints")

	// Execution errors
	ErrInterpolation      = errors.New("step reference resolution failed")
	ErrRelativeBaseURL    = errors.New("project base URL is not absolute")
	ErrRetryBudgetSpent   = errors.New("retry budget exhausted")
	ErrStepFailed         = errors.New("plan step failed")
	ErrRequestCancelled   = errors.New("request cancelled")

	// LLM gateway errors
	ErrLLMUnavailable = errors.New("llm provider unavailable")
	ErrLLMBadResponse = errors.New("llm response not parseable")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// OpError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OpError struct {
	Op      string // Operation that failed (e.g., "metadata.UpsertParameter")
	Kind    string // Error kind (e.g., "metadata", "planner", "executor")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OpError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError
func NewOpError(op, kind string, err error) *OpError {
	return &OpError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrProjectNotFound) ||
		errors.Is(err, ErrEndpointNotFound) ||
		errors.Is(err, ErrParameterNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
