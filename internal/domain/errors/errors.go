package errors

import (
	"errors"
	"fmt"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeBusiness         ErrorType = "business"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypeExternal         ErrorType = "external"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeInsufficientData ErrorType = "insufficient_data"
	ErrorTypeDisposition      ErrorType = "disposition"
	ErrorTypeDelivery         ErrorType = "delivery"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewBusinessError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

// NewInsufficientDataError signals that a device does not have enough
// telemetry history for the requested computation yet. Callers retry once
// more samples arrive.
func NewInsufficientDataError(deviceID string, have, need int) *AppError {
	return &AppError{
		Type:       ErrorTypeInsufficientData,
		Code:       "INSUFFICIENT_DATA",
		Message:    fmt.Sprintf("device %s has %d samples, need %d", deviceID, have, need),
		Retryable:  true,
		StatusCode: 422,
		Details: map[string]interface{}{
			"device_id":    deviceID,
			"sample_count": have,
			"min_samples":  need,
		},
	}
}

// NewInvalidDispositionError rejects an anomaly lifecycle transition that the
// state machine does not allow.
func NewInvalidDispositionError(from, to string) *AppError {
	return &AppError{
		Type:       ErrorTypeDisposition,
		Code:       "INVALID_DISPOSITION",
		Message:    fmt.Sprintf("cannot transition anomaly from %s to %s", from, to),
		Retryable:  false,
		StatusCode: 409,
		Details: map[string]interface{}{
			"from": from,
			"to":   to,
		},
	}
}

// NewDetectorUnavailableError marks a detector that cannot run yet, e.g. an
// outlier model with no training window. The engine skips it silently.
func NewDetectorUnavailableError(detector, reason string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       "DETECTOR_UNAVAILABLE",
		Message:    fmt.Sprintf("detector %s unavailable: %s", detector, reason),
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"detector": detector},
	}
}

// NewDeliveryFailureError wraps an alert notification that could not be
// delivered after retries were exhausted.
func NewDeliveryFailureError(channel, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeDelivery,
		Code:       "DELIVERY_FAILURE",
		Message:    message,
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"channel": channel},
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

// Predefined common errors
var (
	ErrInvalidInput     = NewValidationError("INVALID_INPUT", "Invalid input provided")
	ErrAnomalyNotFound  = NewNotFoundError("anomaly")
	ErrBaselineNotFound = NewNotFoundError("baseline")
	ErrProfileNotFound  = NewNotFoundError("profile")
	ErrDeviceNotFound   = NewNotFoundError("device")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCode wraps an error and returns an AppError
func WrapWithCode(err error, code, message string) *AppError {
	appErr := NewInternalError(message).WithCause(err)
	appErr.Code = code
	return appErr
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
