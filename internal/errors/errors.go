// Package errors defines the structured API error taxonomy shared by the
// license services and the HTTP transport. Services return *APIError values;
// the transport renders them verbatim, so internal failure detail must never
// be attached to an APIError that leaves the process.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// Predefined errors covering every outcome the license flows can surface.
var (
	// 400 Bad Request
	ErrInvalidRequest   = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")
	ErrMissingParameter = New(http.StatusBadRequest, "MISSING_PARAMETER", "Required parameter is missing")

	// 401 Unauthorized
	ErrUnauthorized  = New(http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
	ErrInvalidToken  = New(http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
	ErrInvalidSecret = New(http.StatusUnauthorized, "INVALID_ADMIN_SECRET", "Invalid admin secret")

	// 403 Forbidden
	ErrDeviceMismatch   = New(http.StatusForbidden, "DEVICE_MISMATCH", "License is already activated on another device")
	ErrDeviceNotAllowed = New(http.StatusForbidden, "DEVICE_NOT_AUTHORIZED", "Device not authorized")
	ErrLicenseNotActive = New(http.StatusForbidden, "LICENSE_NOT_ACTIVE", "License is not active")

	// 404 Not Found
	ErrLicenseNotFound = New(http.StatusNotFound, "LICENSE_NOT_FOUND", "License not found")
	ErrRouteNotFound   = New(http.StatusNotFound, "NOT_FOUND", "Route not found")

	// 410 Gone
	ErrLicenseExpired = New(http.StatusGone, "LICENSE_EXPIRED", "License has expired")

	// 429 Too Many Requests
	ErrRateLimited = New(http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests, please retry later")

	// 500 Internal Server Error
	ErrInternalServer      = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrSecretNotConfigured = New(http.StatusInternalServerError, "ADMIN_SECRET_NOT_CONFIGURED", "Admin secret is not configured on the server")
)

// ValidationError represents a single failed field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrValidation creates a validation error with field details
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// MissingParameter creates a missing parameter error naming the field
func MissingParameter(field string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "MISSING_PARAMETER", fmt.Sprintf("%s is required", field), field)
}

// AsAPIError extracts an *APIError from err. Anything that is not already an
// APIError collapses to ErrInternalServer so storage and transaction failures
// never leak detail to the caller.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrInternalServer
}

// ErrorResponse is the standard error envelope
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

// NewErrorResponse creates a new error response
func NewErrorResponse(err *APIError) *ErrorResponse {
	return &ErrorResponse{
		Success: false,
		Error:   err,
	}
}

// Render implements the render.Renderer interface
func (e *ErrorResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}
