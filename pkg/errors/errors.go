package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies proxy errors into the kinds connectors and
// middleware are allowed to surface.
type ErrorCode string

const (
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeAuthentication     ErrorCode = "AUTHENTICATION"
	CodeBackend            ErrorCode = "BACKEND_ERROR"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeReactor            ErrorCode = "REACTOR_ERROR"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// AppError is the proxy-wide error value. Connectors never raise
// transport-library errors directly; everything crossing a package
// boundary is wrapped into an AppError.
type AppError struct {
	Code       ErrorCode
	Message    string
	StatusCode int    // upstream HTTP status when informative, else 0
	Param      string // offending request parameter, for invalid requests
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error to the status the ingress adapter should emit.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeBackend:
		if e.StatusCode >= 400 && e.StatusCode < 600 {
			return e.StatusCode
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewInvalidRequestError reports ingress validation failures (HTTP 400).
func NewInvalidRequestError(message, param string) *AppError {
	return &AppError{Code: CodeInvalidRequest, Message: message, Param: param}
}

// NewAuthenticationError reports missing/invalid credentials (HTTP 401).
func NewAuthenticationError(message string) *AppError {
	return &AppError{Code: CodeAuthentication, Message: message}
}

// NewBackendError reports an upstream non-2xx or unparseable response.
// statusCode is the upstream status; pass 0 when unknown.
func NewBackendError(message string, statusCode int) *AppError {
	return &AppError{Code: CodeBackend, Message: message, StatusCode: statusCode}
}

// NewServiceUnavailableError reports a network/connect failure (HTTP 503).
func NewServiceUnavailableError(message string, cause error) *AppError {
	return &AppError{Code: CodeServiceUnavailable, Message: message, Err: cause}
}

// NewReactorError reports tool-call reactor registry misuse (programmer error).
func NewReactorError(message string) *AppError {
	return &AppError{Code: CodeReactor, Message: message}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// IsAuthentication reports whether err is an authentication failure.
func IsAuthentication(err error) bool {
	return codeOf(err) == CodeAuthentication
}

// IsBackend reports whether err is an upstream backend failure.
func IsBackend(err error) bool {
	return codeOf(err) == CodeBackend
}

// IsServiceUnavailable reports whether err is a connectivity failure.
func IsServiceUnavailable(err error) bool {
	return codeOf(err) == CodeServiceUnavailable
}

// IsRetryable reports whether a failover route should try the next element.
// Only backend and connectivity failures are retryable; auth and validation
// errors fail the same way on every element.
func IsRetryable(err error) bool {
	c := codeOf(err)
	return c == CodeBackend || c == CodeServiceUnavailable
}

func codeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
