package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeRequired   ErrorCode = "REQUIRED_FIELD"

	// Lifecycle errors
	ErrCodeActivation ErrorCode = "ACTIVATION_FAILED"
	ErrCodeSchedule   ErrorCode = "SCHEDULE_FAILED"

	// Sink errors
	ErrCodePublish         ErrorCode = "PUBLISH_FAILED"
	ErrCodeSinkUnavailable ErrorCode = "SINK_UNAVAILABLE"
	ErrCodeAlreadyBound    ErrorCode = "ALREADY_BOUND"
	ErrCodeNotBound        ErrorCode = "NOT_BOUND"

	// Sensor errors
	ErrCodeSensorUnavailable ErrorCode = "SENSOR_UNAVAILABLE"

	// System errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_ERROR"
)

// AppError represents application error with context
type AppError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(message string, details map[string]interface{}) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NewRequiredFieldError creates a new required field error
func NewRequiredFieldError(field string) *AppError {
	return &AppError{
		Code:    ErrCodeRequired,
		Message: fmt.Sprintf("Field '%s' is required", field),
		Details: map[string]interface{}{"field": field},
	}
}

// NewActivationError wraps an error raised while bringing a component into service
func NewActivationError(component string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeActivation,
		Message: fmt.Sprintf("%s activation failed", component),
		Cause:   cause,
		Details: map[string]interface{}{"component": component},
	}
}

// NewScheduleError creates a new scheduling error
func NewScheduleError(message string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeSchedule,
		Message: message,
		Cause:   cause,
	}
}

// NewPublishError wraps a failure reported by a sink
func NewPublishError(sink string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodePublish,
		Message: fmt.Sprintf("publish to %s failed", sink),
		Cause:   cause,
		Details: map[string]interface{}{"sink": sink},
	}
}

// NewSinkUnavailableError creates an error for a sink that is not reachable
func NewSinkUnavailableError(sink string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeSinkUnavailable,
		Message: fmt.Sprintf("%s is unavailable", sink),
		Cause:   cause,
		Details: map[string]interface{}{"sink": sink},
	}
}

// NewAlreadyBoundError is returned when a sink is bound twice
func NewAlreadyBoundError(sink string) *AppError {
	return &AppError{
		Code:    ErrCodeAlreadyBound,
		Message: fmt.Sprintf("a sink is already bound, refusing %s", sink),
		Details: map[string]interface{}{"sink": sink},
	}
}

// NewNotBoundError is returned when unbinding a sink that is not the bound one
func NewNotBoundError(sink string) *AppError {
	return &AppError{
		Code:    ErrCodeNotBound,
		Message: fmt.Sprintf("%s is not bound", sink),
		Details: map[string]interface{}{"sink": sink},
	}
}

// NewSensorUnavailableError creates a new sensor unavailable error
func NewSensorUnavailableError(sensor string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeSensorUnavailable,
		Message: fmt.Sprintf("Sensor '%s' unavailable", sensor),
		Cause:   cause,
		Details: map[string]interface{}{"sensor": sensor},
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Cause:   cause,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(service, message string, cause error) *AppError {
	return &AppError{
		Code:    ErrCodeExternal,
		Message: fmt.Sprintf("%s error: %s", service, message),
		Cause:   cause,
		Details: map[string]interface{}{"service": service},
	}
}

// IsErrorCode checks if error (or anything it wraps) matches specific error code
func IsErrorCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetErrorCode extracts error code from error
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}
