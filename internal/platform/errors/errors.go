// Package errors provides structured error handling with context propagation and HTTP status code mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeMalformedInput indicates an observer payload that could not be parsed (HTTP 400)
	TypeMalformedInput ErrorType = "malformed_input"
	// TypeAuthentication indicates a session could not be established (HTTP 401)
	TypeAuthentication ErrorType = "authentication"
	// TypeNotFound indicates resource not found (HTTP 404)
	TypeNotFound ErrorType = "not_found"
	// TypeConflict indicates resource conflict (HTTP 409)
	TypeConflict ErrorType = "conflict"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
	// TypeExternal indicates a platform API error (HTTP 502)
	TypeExternal ErrorType = "external"
	// TypeTransport indicates a lost push-event connection (HTTP 503)
	TypeTransport ErrorType = "transport"
	// TypeRateLimited indicates a command refused by the local rate limit (HTTP 429)
	TypeRateLimited ErrorType = "rate_limited"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation, TypeMalformedInput:
		return http.StatusBadRequest
	case TypeAuthentication:
		return http.StatusUnauthorized
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeExternal:
		return http.StatusBadGateway
	case TypeTransport:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{
		Type:    t,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// MalformedInputError creates a new malformed-input error (HTTP 400).
func MalformedInputError(message string, cause error) *Error {
	return newError(TypeMalformedInput, message, cause)
}

// AuthenticationError creates a new authentication error (HTTP 401).
func AuthenticationError(message string, cause error) *Error {
	return newError(TypeAuthentication, message, cause)
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// ExternalError creates a new external service error (HTTP 502).
func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

// TransportError creates a new transport error (HTTP 503).
func TransportError(message string, cause error) *Error {
	return newError(TypeTransport, message, cause)
}

// WithField adds a context field to the error (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

// ToResponse converts an Error to an ErrorResponse for JSON serialization.
func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error.
// An *Error anywhere in the chain is returned unchanged; domain errors are
// classified by type; everything else becomes an internal error.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	var authErr *domain.AuthenticationError
	if errors.As(err, &authErr) {
		return AuthenticationError(authErr.Reason, authErr.Err).WithField("service", authErr.Service)
	}

	var platformErr *domain.PlatformRequestError
	if errors.As(err, &platformErr) {
		return ExternalError(platformErr.Op, err).WithField("status_code", platformErr.StatusCode)
	}

	var transportErr *domain.TransportError
	if errors.As(err, &transportErr) {
		return TransportError(transportErr.Op, transportErr.Err)
	}

	var malformedErr *domain.MalformedInputError
	if errors.As(err, &malformedErr) {
		return MalformedInputError(malformedErr.Reason, malformedErr.Err)
	}

	switch {
	case errors.Is(err, domain.ErrServiceNotFound), errors.Is(err, domain.ErrObserverNotFound):
		return newError(TypeNotFound, err.Error(), err)
	case errors.Is(err, domain.ErrServiceExists):
		return newError(TypeConflict, err.Error(), err)
	case errors.Is(err, domain.ErrEmptyServiceName), errors.Is(err, domain.ErrIncompleteIdentity):
		return newError(TypeValidation, err.Error(), err)
	case errors.Is(err, domain.ErrRateLimited):
		return newError(TypeRateLimited, err.Error(), err)
	case errors.Is(err, domain.ErrChatOffline):
		return ExternalError(err.Error(), err)
	}

	return InternalError("internal server error", err)
}

// Notice builds the error record queued to an observer. The message keeps the
// full error text; the type and context come from AsStructuredError.
func Notice(err error, replyID string) domain.Notice {
	structured := AsStructuredError(err)
	n := domain.Notice{
		Type:      "error",
		Message:   err.Error(),
		ErrorType: string(structured.Type),
		ReplyID:   replyID,
	}
	if len(structured.Context) > 0 {
		n.Context = structured.Context
	}
	return n
}
