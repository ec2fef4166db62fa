package errors

import (
	"fmt"
	"strings"
)

// ErrorCategory represents the category of error
type ErrorCategory string

const (
	// ErrorCategoryValidation represents team definition validation errors
	ErrorCategoryValidation ErrorCategory = "VALIDATION"
	// ErrorCategoryGraph represents task graph errors
	ErrorCategoryGraph ErrorCategory = "GRAPH"
	// ErrorCategoryWorker represents worker lifecycle errors
	ErrorCategoryWorker ErrorCategory = "WORKER"
	// ErrorCategoryArtifact represents artifact store errors
	ErrorCategoryArtifact ErrorCategory = "ARTIFACT"
	// ErrorCategoryConfiguration represents configuration errors
	ErrorCategoryConfiguration ErrorCategory = "CONFIGURATION"
)

// Common error codes within a category
const (
	CodeValidationInput  = "001"
	CodeValidationCycle  = "002"
	CodeValidationDep    = "003"
	CodeValidationConfig = "004"
)

// OrchestrationError represents a structured error with context and
// troubleshooting information surfaced at the CLI boundary.
type OrchestrationError struct {
	Category        ErrorCategory
	Code            string
	Message         string
	Operation       string
	Context         map[string]interface{}
	Troubleshooting []string
	OriginalError   error
}

// Error implements the error interface
func (e *OrchestrationError) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s-%s: %s", e.Category, e.Code, e.Message))

	if e.Operation != "" {
		sb.WriteString(fmt.Sprintf("\nOperation: %s", e.Operation))
	}

	if len(e.Context) > 0 {
		sb.WriteString("\nContext:")
		for key, value := range e.Context {
			sb.WriteString(fmt.Sprintf("\n  %s: %v", key, value))
		}
	}

	if len(e.Troubleshooting) > 0 {
		sb.WriteString("\nTroubleshooting:")
		for i, step := range e.Troubleshooting {
			sb.WriteString(fmt.Sprintf("\n  %d. %s", i+1, step))
		}
	}

	if e.OriginalError != nil {
		sb.WriteString(fmt.Sprintf("\nUnderlying error: %v", e.OriginalError))
	}

	return sb.String()
}

// Unwrap returns the original error for error chain compatibility
func (e *OrchestrationError) Unwrap() error {
	return e.OriginalError
}

// New creates a new orchestration error with the specified parameters
func New(category ErrorCategory, code, message, operation string) *OrchestrationError {
	return &OrchestrationError{
		Category:        category,
		Code:            code,
		Message:         message,
		Operation:       operation,
		Context:         make(map[string]interface{}),
		Troubleshooting: []string{},
	}
}

// WithContext adds context information to the error
func (e *OrchestrationError) WithContext(key string, value interface{}) *OrchestrationError {
	e.Context[key] = value
	return e
}

// WithTroubleshooting adds troubleshooting steps to the error
func (e *OrchestrationError) WithTroubleshooting(steps ...string) *OrchestrationError {
	e.Troubleshooting = append(e.Troubleshooting, steps...)
	return e
}

// WithOriginalError adds the original error to the orchestration error
func (e *OrchestrationError) WithOriginalError(err error) *OrchestrationError {
	e.OriginalError = err
	return e
}

// NewValidationError creates a new team definition validation error
func NewValidationError(code, message, operation string) *OrchestrationError {
	return New(ErrorCategoryValidation, code, message, operation)
}

// NewCycleError creates an error for a cyclic dependency in a team definition
func NewCycleError(teamName string) *OrchestrationError {
	return NewValidationError(CodeValidationCycle,
		"Circular dependency detected in task graph",
		"Team definition validation").
		WithContext("team", teamName).
		WithTroubleshooting(
			"Review the depends_on entries of each task",
			"Remove or invert one edge of the cycle",
			"Run 'taskcrew validate <file>' after editing to re-check",
		)
}

// NewUnknownDependencyError creates an error for a dependency referencing
// a task that is not declared in the team definition
func NewUnknownDependencyError(teamName, task, dep string) *OrchestrationError {
	return NewValidationError(CodeValidationDep,
		fmt.Sprintf("Task '%s' depends on undeclared task '%s'", task, dep),
		"Team definition validation").
		WithContext("team", teamName).
		WithContext("task", task).
		WithContext("dependency", dep).
		WithTroubleshooting(
			"Check the dependency name for typos",
			"Declare the missing task in the team file",
		)
}

// NewConfigError creates a configuration error with the given detail
func NewConfigError(message, operation string) *OrchestrationError {
	return New(ErrorCategoryConfiguration, CodeValidationConfig, message, operation)
}
