// Package apperr holds the error kinds shared by the domain services and
// their mapping to HTTP status codes.
package apperr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ValidationError lists the problems with a request.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Fields, "; ")
}

// Invalid builds a ValidationError. With no messages it returns nil, so
// callers can collect problems and return Invalid(problems...) directly.
func Invalid(msgs ...string) error {
	if len(msgs) == 0 {
		return nil
	}
	return &ValidationError{Fields: msgs}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

type notFound struct{ what string }

func (e *notFound) Error() string        { return e.what + " not found" }
func (e *notFound) Is(target error) bool { return target == ErrNotFound }

// NotFound returns an error reading "<what> not found" that matches
// ErrNotFound.
func NotFound(what string) error {
	return &notFound{what: what}
}

type conflict struct{ msg string }

func (e *conflict) Error() string        { return e.msg }
func (e *conflict) Is(target error) bool { return target == ErrConflict }

// Conflict returns an error with msg that matches ErrConflict.
func Conflict(msg string) error {
	return &conflict{msg: msg}
}

// HTTP maps a service error to an echo.HTTPError. Unknown errors become a
// 500 without leaking their text.
func HTTP(err error) error {
	if err == nil {
		return nil
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	switch {
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
