// Package errors provides the categorized error taxonomy for the
// payment and entitlement engine.
package errors

import (
	"fmt"
	"net/http"

	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryRail represents settlement-rail errors
	CategoryRail ErrorCategory = "rail"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryTransition represents illegal state transitions
	CategoryTransition ErrorCategory = "transition"
	// CategoryDuplicate represents duplicate-event detection
	CategoryDuplicate ErrorCategory = "duplicate"
	// CategoryMismatch represents payment expectation mismatches
	CategoryMismatch ErrorCategory = "mismatch"
	// CategoryAuthorization represents permission denials
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
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

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Terminal business errors are surfaced immediately with a structured reason.

// NewInvalidTransitionError reports an illegal status change. It is
// logged and rejected by the caller, never silently applied.
func NewInvalidTransitionError(entity, id, from, to string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransition,
		StatusCode: http.StatusConflict,
		Code:       "INVALID_TRANSITION",
		Message:    fmt.Sprintf("illegal %s transition %s -> %s", entity, from, to),
		Details: map[string]interface{}{
			"entity": entity,
			"id":     id,
			"from":   from,
			"to":     to,
		},
	}
}

// NewDuplicateEventError reports a delivery recognized via idempotency
// key. Callers acknowledge it as success without side effects.
func NewDuplicateEventError(key string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDuplicate,
		StatusCode: http.StatusOK,
		Code:       "DUPLICATE_EVENT",
		Message:    "event already applied",
		Details: map[string]interface{}{
			"idempotencyKey": key,
		},
	}
}

// NewAmountMismatchError reports a settled payment whose on-chain value
// does not match the expectation. The payment is marked FAILED and no
// entitlement is granted.
func NewAmountMismatchError(txHash, expected, actual string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMismatch,
		StatusCode: http.StatusBadRequest,
		Code:       "AMOUNT_MISMATCH",
		Message:    fmt.Sprintf("payment %s transferred %s, expected %s", txHash, actual, expected),
		Details: map[string]interface{}{
			"txHash":   txHash,
			"expected": expected,
			"actual":   actual,
		},
	}
}

// NewTokenMismatchError reports a settled payment in an unexpected token.
func NewTokenMismatchError(txHash, expected, actual string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMismatch,
		StatusCode: http.StatusBadRequest,
		Code:       "TOKEN_MISMATCH",
		Message:    fmt.Sprintf("payment %s used token %s, expected %s", txHash, actual, expected),
		Details: map[string]interface{}{
			"txHash":   txHash,
			"expected": expected,
			"actual":   actual,
		},
	}
}

// NewRoleViolationError reports a permission denial. Denials are always
// structured, never a silent empty result.
func NewRoleViolationError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       "ROLE_VIOLATION",
		Message:    reason,
	}
}

// Transient errors are retried locally, never surfaced prematurely.

// NewInsufficientConfirmationsError reports a payment still below the
// configured confirmation depth.
func NewInsufficientConfirmationsError(txHash string, seen, required uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRail,
		StatusCode: http.StatusAccepted,
		Code:       "INSUFFICIENT_CONFIRMATIONS",
		Message:    fmt.Sprintf("payment %s has %d of %d confirmations", txHash, seen, required),
		Details: map[string]interface{}{
			"txHash":   txHash,
			"seen":     seen,
			"required": required,
		},
	}
}

// NewRailUnavailableError reports a circuit-broken rail. Affected
// payments surface as AwaitingRetry rather than hard failures.
func NewRailUnavailableError(rail string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRail,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "RAIL_UNAVAILABLE",
		Message:    fmt.Sprintf("settlement rail unavailable: %s", rail),
		Cause:      cause,
		Details: map[string]interface{}{
			"rail": rail,
		},
	}
}

// NewMintFailedError reports a mint request whose retries are
// exhausted. The entitlement stays pending for reconciliation.
func NewMintFailedError(idempotencyKey string, attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "MINT_FAILED",
		Message:    fmt.Sprintf("mint failed after %d attempts", attempts),
		Cause:      cause,
		Details: map[string]interface{}{
			"idempotencyKey": idempotencyKey,
			"attempts":       attempts,
		},
	}
}

// General errors.

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	if catErr, ok := err.(*CategorizedError); ok {
		return catErr
	}

	if svcErr, ok := err.(*types.ServiceError); ok {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	switch err.Code {
	case "INVALID_TRANSITION":
		return &CategorizedError{Category: CategoryTransition, StatusCode: http.StatusConflict, Code: err.Code, Message: err.Message, Details: err.Details}
	case "DUPLICATE_EVENT":
		return &CategorizedError{Category: CategoryDuplicate, StatusCode: http.StatusOK, Code: err.Code, Message: err.Message, Details: err.Details}
	case "AMOUNT_MISMATCH", "TOKEN_MISMATCH":
		return &CategorizedError{Category: CategoryMismatch, StatusCode: http.StatusBadRequest, Code: err.Code, Message: err.Message, Details: err.Details}
	case "ROLE_VIOLATION":
		return &CategorizedError{Category: CategoryAuthorization, StatusCode: http.StatusForbidden, Code: err.Code, Message: err.Message, Details: err.Details}
	case "RAIL_UNAVAILABLE":
		return &CategorizedError{Category: CategoryRail, StatusCode: http.StatusServiceUnavailable, Code: err.Code, Message: err.Message, Details: err.Details}
	case "NOT_FOUND", "USER_NOT_FOUND", "INVOICE_NOT_FOUND", "PAYMENT_NOT_FOUND",
		"SUBSCRIPTION_NOT_FOUND", "MEMBERSHIP_NOT_FOUND", "ACTION_NOT_FOUND", "REWARD_NOT_FOUND":
		return &CategorizedError{Category: CategoryNotFound, StatusCode: http.StatusNotFound, Code: err.Code, Message: err.Message, Details: err.Details}
	case "INVALID_PARAMETER", "INVALID_INPUT":
		return &CategorizedError{Category: CategoryUserInput, StatusCode: http.StatusBadRequest, Code: err.Code, Message: err.Message, Details: err.Details}
	default:
		return &CategorizedError{Category: CategorySystem, StatusCode: http.StatusInternalServerError, Code: err.Code, Message: err.Message, Details: err.Details}
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryRail, CategoryDatabase:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsDuplicate reports whether the error marks an already-applied event.
func IsDuplicate(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryDuplicate
}

// IsInvalidTransition reports whether the error marks an illegal
// status change.
func IsInvalidTransition(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryTransition
}
