// Package httperror carries the status code and client-facing message of a
// failed API request alongside its internal cause.
package httperror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

type HTTPError struct {
	cause   error
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *HTTPError) Error() string {
	if e.cause == nil {
		return e.Message
	}
	return e.cause.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.cause
}

func (e *HTTPError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Code)
	return nil
}

func New(code int, message string, cause error) *HTTPError {
	if cause == nil {
		cause = errors.New(message)
	}

	return &HTTPError{
		cause:   cause,
		Code:    code,
		Message: message,
	}
}

// InternalServerError hides the cause from the client.
func InternalServerError(message string, err error) *HTTPError {
	return New(http.StatusInternalServerError, "internal server error", fmt.Errorf("%s: %w", message, err))
}

func BadRequest(message string) *HTTPError {
	return New(http.StatusBadRequest, message, nil)
}

func BadRequestWithError(message string, err error) *HTTPError {
	return New(http.StatusBadRequest, message, fmt.Errorf("%s: %w", message, err))
}

func Unauthorized(message string, err error) *HTTPError {
	return New(http.StatusUnauthorized, message, fmt.Errorf("%s: %w", message, err))
}

func Forbidden(message string) *HTTPError {
	return New(http.StatusForbidden, message, nil)
}

func NotFound(message string) *HTTPError {
	return New(http.StatusNotFound, message, nil)
}

func ServiceUnavailable(message string) *HTTPError {
	return New(http.StatusServiceUnavailable, message, nil)
}
