// Package errors defines the categorized errors returned by the scheduler
// service and their HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/payment-scheduler/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input (400)
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents missing or insufficient credentials
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents an unknown schedule or execution
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryPrecondition represents a conditional update that did not apply
	CategoryPrecondition ErrorCategory = "precondition"
	// CategoryTerminal represents an operation against a failed schedule
	CategoryTerminal ErrorCategory = "terminal"
	// CategoryExecution represents an on-chain execution that did not succeed
	CategoryExecution ErrorCategory = "execution"
	// CategoryDatabase represents transient store failures
	CategoryDatabase ErrorCategory = "database"
	// CategoryProvider represents chain RPC failures
	CategoryProvider ErrorCategory = "provider"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents unexpected internal errors
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeScheduleNotFound        = "SCHEDULE_NOT_FOUND"
	CodeExecutionNotFound       = "EXECUTION_NOT_FOUND"
	CodePreconditionFailed      = "PRECONDITION_FAILED"
	CodeTerminalState           = "TERMINAL_STATE"
	CodeTransactionNotConfirmed = "TRANSACTION_NOT_CONFIRMED"
	CodeInvalidParameter        = "INVALID_PARAMETER"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeForbidden               = "FORBIDDEN"
	CodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	CodeDatabaseError           = "DATABASE_ERROR"
	CodeProviderError           = "PROVIDER_ERROR"
	CodeInternalError           = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the wire representation
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Reason returns the precondition failure reason, if any
func (e *CategorizedError) Reason() types.FailureReason {
	if e.Details == nil {
		return ""
	}
	if r, ok := e.Details["reason"].(types.FailureReason); ok {
		return r
	}
	return ""
}

// NewScheduleNotFoundError creates a not found error for a schedule id
func NewScheduleNotFoundError(scheduleID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeScheduleNotFound,
		Message:    fmt.Sprintf("schedule not found: %s", scheduleID),
		Details: map[string]interface{}{
			"scheduleId": scheduleID,
		},
	}
}

// NewExecutionNotFoundError creates a not found error for an execution id
func NewExecutionNotFoundError(executionID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeExecutionNotFound,
		Message:    fmt.Sprintf("execution not found: %s", executionID),
		Details: map[string]interface{}{
			"executionId": executionID,
		},
	}
}

// NewPreconditionFailedError reports a conditional update that did not apply
func NewPreconditionFailedError(operation string, reason types.FailureReason) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPrecondition,
		StatusCode: http.StatusConflict,
		Code:       CodePreconditionFailed,
		Message:    fmt.Sprintf("%s rejected: %s", operation, reason),
		Details: map[string]interface{}{
			"operation": operation,
			"reason":    reason,
		},
	}
}

// NewTerminalStateError reports an operation against a failed schedule
func NewTerminalStateError(scheduleID string, status types.ScheduleStatus) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTerminal,
		StatusCode: http.StatusConflict,
		Code:       CodeTerminalState,
		Message:    fmt.Sprintf("schedule %s is %s and cannot change", scheduleID, status),
		Details: map[string]interface{}{
			"scheduleId": scheduleID,
			"status":     status,
		},
	}
}

// NewTransactionNotConfirmedError reports a receipt that does not show success
func NewTransactionNotConfirmedError(txHash string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryExecution,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeTransactionNotConfirmed,
		Message:    fmt.Sprintf("transaction %s not confirmed: %s", txHash, reason),
		Details: map[string]interface{}{
			"transactionHash": txHash,
			"reason":          reason,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeForbidden,
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewDatabaseError creates a transient store error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProviderError creates a chain RPC error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderError,
		Message:    fmt.Sprintf("chain provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// HasCode reports whether err is a categorized error with the given code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Code == code
}

// IsRetryable determines if an error is worth retrying by the caller
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryDatabase, CategoryProvider:
		return true
	default:
		return false
	}
}
