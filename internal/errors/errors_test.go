package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredefinedErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want int
	}{
		{name: "validation failed", err: ErrValidationFailed, want: http.StatusBadRequest},
		{name: "missing parameter", err: ErrMissingParameter, want: http.StatusBadRequest},
		{name: "unauthorized", err: ErrUnauthorized, want: http.StatusUnauthorized},
		{name: "invalid token", err: ErrInvalidToken, want: http.StatusUnauthorized},
		{name: "invalid admin secret", err: ErrInvalidSecret, want: http.StatusUnauthorized},
		{name: "device mismatch", err: ErrDeviceMismatch, want: http.StatusForbidden},
		{name: "license not active", err: ErrLicenseNotActive, want: http.StatusForbidden},
		{name: "license not found", err: ErrLicenseNotFound, want: http.StatusNotFound},
		{name: "license expired", err: ErrLicenseExpired, want: http.StatusGone},
		{name: "rate limited", err: ErrRateLimited, want: http.StatusTooManyRequests},
		{name: "internal", err: ErrInternalServer, want: http.StatusInternalServerError},
		{name: "secret not configured", err: ErrSecretNotConfigured, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode)
			assert.NotEmpty(t, tt.err.ErrorCode)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestAPIErrorImplementsError(t *testing.T) {
	err := New(http.StatusTeapot, "TEAPOT", "short and stout")
	assert.EqualError(t, err, "short and stout")
}

func TestAsAPIError(t *testing.T) {
	t.Run("passes through api errors", func(t *testing.T) {
		assert.Same(t, ErrLicenseExpired, AsAPIError(ErrLicenseExpired))
	})

	t.Run("unwraps wrapped api errors", func(t *testing.T) {
		wrapped := fmt.Errorf("activate: %w", ErrDeviceMismatch)
		assert.Same(t, ErrDeviceMismatch, AsAPIError(wrapped))
	})

	t.Run("collapses unknown errors to internal", func(t *testing.T) {
		got := AsAPIError(errors.New("pq: connection reset"))
		assert.Same(t, ErrInternalServer, got)
		assert.NotContains(t, got.Message, "pq:", "storage detail must not leak")
	})
}

func TestErrValidationCarriesField(t *testing.T) {
	err := ErrValidation("days", "must be between 1 and 3650")
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)

	details, ok := err.Details.(ValidationError)
	assert.True(t, ok)
	assert.Equal(t, "days", details.Field)
}

func TestMissingParameter(t *testing.T) {
	err := MissingParameter("device_id")
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
	assert.Equal(t, "device_id is required", err.Message)
}
