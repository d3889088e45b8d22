// Package scimerr defines the error taxonomy shared by the SCIM engine.
// Every user-visible failure is an *Error carrying the HTTP status and the
// RFC 7644 scimType keyword; anything else surfaces as an opaque 500.
package scimerr

import (
	"errors"
	"fmt"
	"net/http"
)

// RFC 7644 §3.12 scimType keywords used by this server.
const (
	TypeInvalidFilter = "invalidFilter"
	TypeInvalidPath   = "invalidPath"
	TypeInvalidValue  = "invalidValue"
	TypeInvalidSyntax = "invalidSyntax"
	TypeMutability    = "mutability"
	TypeUniqueness    = "uniqueness"
	TypeNoTarget      = "noTarget"
)

// Error is a SCIM protocol error. Detail is safe to echo to clients.
type Error struct {
	Status   int
	ScimType string
	Detail   string
}

func (e *Error) Error() string {
	if e.ScimType == "" {
		return fmt.Sprintf("scim error %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("scim error %d (%s): %s", e.Status, e.ScimType, e.Detail)
}

// New builds an error with an explicit status and scimType.
func New(status int, scimType, detail string) *Error {
	return &Error{Status: status, ScimType: scimType, Detail: detail}
}

func InvalidFilter(detail string) *Error {
	return New(http.StatusBadRequest, TypeInvalidFilter, detail)
}

func InvalidPath(detail string) *Error {
	return New(http.StatusBadRequest, TypeInvalidPath, detail)
}

func InvalidValue(detail string) *Error {
	return New(http.StatusBadRequest, TypeInvalidValue, detail)
}

func InvalidSyntax(detail string) *Error {
	return New(http.StatusBadRequest, TypeInvalidSyntax, detail)
}

func Mutability(detail string) *Error {
	return New(http.StatusBadRequest, TypeMutability, detail)
}

func Uniqueness(detail string) *Error {
	return New(http.StatusConflict, TypeUniqueness, detail)
}

func NoTarget(detail string) *Error {
	return New(http.StatusBadRequest, TypeNoTarget, detail)
}

func NotFound(detail string) *Error {
	return New(http.StatusNotFound, "", detail)
}

func Unauthorized(detail string) *Error {
	return New(http.StatusUnauthorized, "", detail)
}

func PreconditionFailed(detail string) *Error {
	return New(http.StatusPreconditionFailed, "", detail)
}

func Conflict(detail string) *Error {
	return New(http.StatusConflict, "", detail)
}

func Internal(detail string) *Error {
	return New(http.StatusInternalServerError, "", detail)
}

// FromErr returns err as an *Error, or wraps it as an opaque 500.
func FromErr(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Internal("internal error")
}

// Is reports whether err is a SCIM error with the given status.
func Is(err error, status int) bool {
	var se *Error
	return errors.As(err, &se) && se.Status == status
}
