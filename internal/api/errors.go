// Package api provides error handling utilities for the REST API.
package api

import (
	"errors"
	"net/http"

	"github.com/tremor/tremor/internal/models"
)

// APIError represents a structured API error.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Common API error codes.
const (
	ErrCodeInvalidJSON   = "INVALID_JSON"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeEngineBusy    = "ENGINE_BUSY"
	ErrCodeUnavailable   = "UNAVAILABLE"
	ErrCodeStoreError    = "STORE_ERROR"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Predefined API errors.
var (
	ErrInvalidJSON = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeInvalidJSON,
		Message:    "Invalid JSON body",
	}
	ErrForecastNotFound = &APIError{
		HTTPStatus: http.StatusNotFound,
		Code:       ErrCodeNotFound,
		Message:    "Forecast not found",
	}
	ErrNoProject = &APIError{
		HTTPStatus: http.StatusConflict,
		Code:       ErrCodeConflict,
		Message:    "No project attached",
	}
	ErrProjectAttached = &APIError{
		HTTPStatus: http.StatusConflict,
		Code:       ErrCodeConflict,
		Message:    "A project is already attached",
	}
	ErrEngineBusy = &APIError{
		HTTPStatus: http.StatusConflict,
		Code:       ErrCodeEngineBusy,
		Message:    "A forecast job is running",
	}
	ErrEngineStopped = &APIError{
		HTTPStatus: http.StatusServiceUnavailable,
		Code:       ErrCodeUnavailable,
		Message:    "Engine is not running",
	}
	ErrStoreUnavailable = &APIError{
		HTTPStatus: http.StatusServiceUnavailable,
		Code:       ErrCodeUnavailable,
		Message:    "Forecast storage is not configured",
	}
	ErrInternalError = &APIError{
		HTTPStatus: http.StatusInternalServerError,
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
	}
)

// NewValidationError creates a validation error with a custom message.
func NewValidationError(message string) *APIError {
	return &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeValidation,
		Message:    message,
	}
}

var validationErrors = []error{
	models.ErrInvalidRange,
	models.ErrInvalidSpeed,
	models.ErrInvalidStep,
	models.ErrInvalidMode,
	models.ErrUnknownModel,
	models.ErrModelIDRequired,
	models.ErrModelURLRequired,
	models.ErrProjectIDRequired,
	models.ErrInvalidInterval,
	models.ErrInvalidMagnitudeBin,
	models.ErrDuplicateModel,
	models.ErrClockNotConfigured,
}

// MapDomainError maps domain/model errors to API errors.
func MapDomainError(err error) *APIError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, models.ErrForecastNotFound):
		return ErrForecastNotFound
	case errors.Is(err, models.ErrNoProject):
		return ErrNoProject
	case errors.Is(err, models.ErrProjectAttached):
		return ErrProjectAttached
	case errors.Is(err, models.ErrEngineBusy):
		return ErrEngineBusy
	case errors.Is(err, models.ErrEngineStopped):
		return ErrEngineStopped
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return NewValidationError(err.Error())
		}
	}
	return &APIError{
		HTTPStatus: http.StatusInternalServerError,
		Code:       ErrCodeInternalError,
		Message:    "An unexpected error occurred",
	}
}

// WriteAPIError writes an API error response.
func (h *Handler) WriteAPIError(w http.ResponseWriter, err *APIError) {
	h.writeJSON(w, err.HTTPStatus, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    err.Code,
			Message: err.Message,
		},
	})
}

// HandleError maps a domain error to an API error and writes the response.
// Returns true if an error was handled, false if err was nil.
func (h *Handler) HandleError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}

	apiErr := MapDomainError(err)
	if apiErr.Code == ErrCodeInternalError {
		h.logger.Error().Err(err).Msg("Request failed")
	}
	h.WriteAPIError(w, apiErr)
	return true
}

// HandleStoreError handles storage errors with logging.
// Returns true if an error was handled, false if err was nil.
func (h *Handler) HandleStoreError(w http.ResponseWriter, err error, operation string) bool {
	if err == nil {
		return false
	}

	apiErr := MapDomainError(err)
	if apiErr.Code == ErrCodeInternalError {
		h.logger.Error().Err(err).Str("operation", operation).Msg("Storage operation failed")
		apiErr = &APIError{
			HTTPStatus: http.StatusInternalServerError,
			Code:       ErrCodeStoreError,
			Message:    "Failed to " + operation,
		}
	}

	h.WriteAPIError(w, apiErr)
	return true
}
