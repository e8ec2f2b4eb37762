package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an APIError. Each type maps to one HTTP status.
type ErrorType string

const (
	ErrorTypeInvalidRequest ErrorType = "invalid_request"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypePermission     ErrorType = "permission"
	ErrorTypeNotFound       ErrorType = "not_found"
	// ErrorTypeConflict means the resource is in a state that forbids the
	// operation, like canceling a finished pipeline.
	ErrorTypeConflict  ErrorType = "conflict"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeServer    ErrorType = "server"
)

var statusByType = map[ErrorType]int{
	ErrorTypeInvalidRequest: http.StatusBadRequest,
	ErrorTypeAuthentication: http.StatusUnauthorized,
	ErrorTypePermission:     http.StatusForbidden,
	ErrorTypeNotFound:       http.StatusNotFound,
	ErrorTypeConflict:       http.StatusConflict,
	ErrorTypeRateLimit:      http.StatusTooManyRequests,
}

// APIError is the error returned by services and rendered by the HTTP layer.
// Message is shown to API clients as is.
type APIError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`

	cause error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the error the APIError was derived from, if any.
func (e *APIError) Unwrap() error { return e.cause }

// HTTPStatusCode returns StatusCode when set, otherwise the status of Type.
// Unknown types are server errors.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	if code, ok := statusByType[e.Type]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func newError(t ErrorType, message string) *APIError {
	return &APIError{Type: t, Message: message}
}

func ErrInvalidRequest(message string) *APIError { return newError(ErrorTypeInvalidRequest, message) }
func ErrAuthentication(message string) *APIError { return newError(ErrorTypeAuthentication, message) }
func ErrPermission(message string) *APIError     { return newError(ErrorTypePermission, message) }
func ErrNotFound(message string) *APIError       { return newError(ErrorTypeNotFound, message) }
func ErrConflict(message string) *APIError       { return newError(ErrorTypeConflict, message) }
func ErrRateLimit(message string) *APIError      { return newError(ErrorTypeRateLimit, message) }

// ErrRecordNotFound is returned by stores when a lookup matches nothing.
var ErrRecordNotFound = errors.New("record not found")

// IsNotFound reports whether err is a not-found store or API error.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrRecordNotFound) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Type == ErrorTypeNotFound
}

// AsAPIError converts any error into an APIError. Store not-found errors
// become not found, everything else is a server error. The original error
// stays reachable through errors.Is.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	t := ErrorTypeServer
	if errors.Is(err, ErrRecordNotFound) {
		t = ErrorTypeNotFound
	}
	return &APIError{Type: t, Message: err.Error(), cause: err}
}
