package api

import (
	"errors"
	"net/http"

	"github.com/Skryldev/userstore/repo"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodeInvalid     = "INVALID"
	CodeUnavailable = "UNAVAILABLE"
	CodeInternal    = "INTERNAL_ERROR"
)

// ErrorResponse represents a standardized error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTP error.
func NewHTTPError(statusCode int, message, code string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Code:       code,
	}
}

// ToErrorResponse converts an HTTPError to ErrorResponse.
func (e *HTTPError) ToErrorResponse() ErrorResponse {
	return ErrorResponse{
		Error: e.Message,
		Code:  e.Code,
	}
}

func invalidRequest(msg string) *HTTPError {
	return NewHTTPError(http.StatusBadRequest, msg, CodeInvalid)
}

// MapErrorToHTTP maps repository errors to HTTP errors. Anything that is
// not a *repo.RepoError becomes a generic 500.
func MapErrorToHTTP(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}

	var re *repo.RepoError
	if !errors.As(err, &re) {
		return NewHTTPError(http.StatusInternalServerError, "internal server error", CodeInternal)
	}
	switch re.Kind {
	case repo.KindNotFound:
		return NewHTTPError(http.StatusNotFound, re.Message, CodeNotFound)
	case repo.KindConflict:
		return NewHTTPError(http.StatusConflict, re.Message, CodeConflict)
	case repo.KindInvalid:
		return NewHTTPError(http.StatusBadRequest, re.Message, CodeInvalid)
	case repo.KindUnavailable:
		return NewHTTPError(http.StatusServiceUnavailable, re.Message, CodeUnavailable)
	default:
		return NewHTTPError(http.StatusInternalServerError, "internal server error", CodeInternal)
	}
}
