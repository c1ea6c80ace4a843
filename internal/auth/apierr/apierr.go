// Package apierr holds the engine's typed error. It is the only error the
// endpoint pipeline treats as a response; anything else is a server fault.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Status is the kind of an API error.
type Status string

const (
	StatusBadRequest          Status = "BAD_REQUEST"
	StatusUnauthorized        Status = "UNAUTHORIZED"
	StatusForbidden           Status = "FORBIDDEN"
	StatusNotFound            Status = "NOT_FOUND"
	StatusTooManyRequests     Status = "TOO_MANY_REQUESTS"
	StatusInternalServerError Status = "INTERNAL_SERVER_ERROR"
	StatusServiceUnavailable  Status = "SERVICE_UNAVAILABLE"

	// StatusFound is a redirect raised as an error so it can unwind from
	// deep inside a handler.
	StatusFound Status = "FOUND"
)

var httpStatus = map[Status]int{
	StatusBadRequest:          http.StatusBadRequest,
	StatusUnauthorized:        http.StatusUnauthorized,
	StatusForbidden:           http.StatusForbidden,
	StatusNotFound:            http.StatusNotFound,
	StatusTooManyRequests:     http.StatusTooManyRequests,
	StatusInternalServerError: http.StatusInternalServerError,
	StatusServiceUnavailable:  http.StatusServiceUnavailable,
	StatusFound:               http.StatusFound,
}

// HTTPStatus maps the kind to its HTTP status code.
func (s Status) HTTPStatus() int {
	if code, ok := httpStatus[s]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Body is the default JSON error shape.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Error struct {
	Status  Status
	Code    string
	Message string
	Header  http.Header

	body any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Status, e.Code, e.Message)
}

// HTTPStatus returns the HTTP status code for the error.
func (e *Error) HTTPStatus() int { return e.Status.HTTPStatus() }

// Body returns the JSON body to send.
func (e *Error) Body() any {
	if e.body != nil {
		return e.body
	}
	if e.Status == StatusFound {
		return nil
	}
	return Body{Code: e.Code, Message: e.Message}
}

// WithHeader sets a response header on the error and returns it.
func (e *Error) WithHeader(key, value string) *Error {
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Header.Set(key, value)
	return e
}

func New(status Status, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func BadRequest(code, message string) *Error {
	return New(StatusBadRequest, code, message)
}

func Unauthorized(code, message string) *Error {
	return New(StatusUnauthorized, code, message)
}

func Forbidden(code, message string) *Error {
	return New(StatusForbidden, code, message)
}

func NotFound(code, message string) *Error {
	return New(StatusNotFound, code, message)
}

func Internal(code, message string) *Error {
	return New(StatusInternalServerError, code, message)
}

// Redirect raises a 302 to location.
func Redirect(location string) *Error {
	return New(StatusFound, "REDIRECT", location).WithHeader("Location", location)
}

// As unwraps err into an *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
