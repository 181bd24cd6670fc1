package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard error types
var (
	ErrNotFound             = errors.New("resource not found")
	ErrBadRequest           = errors.New("bad request")
	ErrConflict             = errors.New("resource conflict")
	ErrInternal             = errors.New("internal server error")
	ErrValidation           = errors.New("validation error")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrVialNotActive        = errors.New("vial not active")
	ErrVialExpired          = errors.New("vial expired")
	ErrAlreadyProcessed     = errors.New("already processed")
	ErrConcurrencyConflict  = errors.New("concurrent modification")
	ErrNoAvailableInventory = errors.New("no available inventory")
)

// AppError represents an application error with context
type AppError struct {
	Err        error             `json:"-"`
	Message    string            `json:"message"`
	Code       string            `json:"code"`
	StatusCode int               `json:"status_code"`
	Details    map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(code string, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code string, message string, statusCode int) *AppError {
	return &AppError{
		Err:        err,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// Common error constructors

func NotFound(resource string) *AppError {
	return &AppError{
		Err:        ErrNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Err:        ErrBadRequest,
		Code:       "BAD_REQUEST",
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Err:        ErrConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func Internal(message string) *AppError {
	return &AppError{
		Err:        ErrInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

func Validation(details map[string]string) *AppError {
	return &AppError{
		Err:        ErrValidation,
		Code:       "VALIDATION_ERROR",
		Message:    "validation failed",
		StatusCode: http.StatusBadRequest,
		Details:    details,
	}
}

// Inventory engine error constructors.
// These carry the failure taxonomy for the deduction path: handlers map them
// to HTTP statuses, the deduction engine records their codes on failed lines.

// InsufficientQuantity reports that a lot or vial cannot cover a requested
// number of units.
func InsufficientQuantity(available, requested string) *AppError {
	return &AppError{
		Err:        ErrInsufficientQuantity,
		Code:       "INSUFFICIENT_QUANTITY",
		Message:    fmt.Sprintf("insufficient quantity: available %s, requested %s", available, requested),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// VialNotActive reports a use/waste/close attempt against a vial session
// that already reached a terminal status.
func VialNotActive(status string) *AppError {
	return &AppError{
		Err:        ErrVialNotActive,
		Code:       "VIAL_NOT_ACTIVE",
		Message:    fmt.Sprintf("vial session is %s", status),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// VialExpired reports that a vial's stability window has lapsed. The session
// has already been transitioned to expired when this is returned.
func VialExpired() *AppError {
	return &AppError{
		Err:        ErrVialExpired,
		Code:       "VIAL_EXPIRED",
		Message:    "vial has exceeded its stability window",
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// AlreadyProcessed reports a duplicate chart deduction attempt.
func AlreadyProcessed(chartID string) *AppError {
	return &AppError{
		Err:        ErrAlreadyProcessed,
		Code:       "ALREADY_PROCESSED",
		Message:    fmt.Sprintf("chart %s has already been processed", chartID),
		StatusCode: http.StatusConflict,
	}
}

// ConcurrencyConflict reports a lost update race. Callers may retry after
// re-resolving inventory state; the stale operation must not be re-applied.
func ConcurrencyConflict(resource string) *AppError {
	return &AppError{
		Err:        ErrConcurrencyConflict,
		Code:       "CONCURRENCY_CONFLICT",
		Message:    fmt.Sprintf("%s was modified concurrently, retry with fresh state", resource),
		StatusCode: http.StatusConflict,
	}
}

// NoAvailableInventory reports that FEFO selection found nothing usable.
func NoAvailableInventory(productID string) *AppError {
	return &AppError{
		Err:        ErrNoAvailableInventory,
		Code:       "NO_AVAILABLE_INVENTORY",
		Message:    fmt.Sprintf("no available inventory for product %s", productID),
		StatusCode: http.StatusUnprocessableEntity,
	}
}

// Is checks if the error matches a target error
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As attempts to convert an error to a specific type
func As(err error, target any) bool {
	return errors.As(err, target)
}
