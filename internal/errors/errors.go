// Package errors defines the service error taxonomy shared by middleware and handlers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable, machine-readable error identifier.
type ErrorCode string

const (
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeInvalidToken    ErrorCode = "INVALID_TOKEN"
	CodeQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	CodeBadRequest      ErrorCode = "BAD_REQUEST"
	CodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeNotImplemented  ErrorCode = "NOT_IMPLEMENTED"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// ServiceError is an error carrying the HTTP status it maps to.
type ServiceError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails returns the error with an extra detail attached.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError.
func New(code ErrorCode, message string, status int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status}
}

// Wrap creates a ServiceError around an underlying cause.
func Wrap(code ErrorCode, message string, status int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// Unauthorized is returned when no usable credential was presented.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "Unauthorized"
	}
	return New(CodeUnauthorized, message, http.StatusUnauthorized)
}

// InvalidToken is returned when a presented credential fails verification.
func InvalidToken(err error) *ServiceError {
	return Wrap(CodeInvalidToken, "Invalid or expired token", http.StatusUnauthorized, err)
}

// QuotaExceeded is the stats-stage denial.
func QuotaExceeded(userID string) *ServiceError {
	return New(CodeQuotaExceeded, "Request quota exceeded", http.StatusForbidden).
		WithDetails("user_id", userID)
}

func BadRequest(message string, err error) *ServiceError {
	return Wrap(CodeBadRequest, message, http.StatusBadRequest, err)
}

func PayloadTooLarge(limit int64) *ServiceError {
	return New(CodePayloadTooLarge, "Request entity too large", http.StatusRequestEntityTooLarge).
		WithDetails("limit", limit)
}

func NotFound(message string) *ServiceError {
	if message == "" {
		message = "Not found"
	}
	return New(CodeNotFound, message, http.StatusNotFound)
}

func NotImplemented(message string) *ServiceError {
	return New(CodeNotImplemented, message, http.StatusNotImplemented)
}

func Internal(message string, err error) *ServiceError {
	return Wrap(CodeInternal, message, http.StatusInternalServerError, err)
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if stderrors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// Is reports whether err is a ServiceError with the given code.
func Is(err error, code ErrorCode) bool {
	serviceErr := GetServiceError(err)
	return serviceErr != nil && serviceErr.Code == code
}
