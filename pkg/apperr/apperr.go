// Package apperr is the business-rule error taxonomy shared by the lending and
// grading services. Every expected outcome is an *Error with a Kind; anything
// else is treated as an infrastructure failure.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Kind string

const (
	KindNotFound            Kind = "NOT_FOUND"
	KindInvalidGrade        Kind = "INVALID_GRADE"
	KindResourceUnavailable Kind = "RESOURCE_UNAVAILABLE"
	KindResourceBusy        Kind = "RESOURCE_BUSY"
	KindAlreadyReturned     Kind = "ALREADY_RETURNED"
	KindInUse               Kind = "IN_USE"
	KindInvalidInput        Kind = "INVALID_INPUT"
	KindInvalidTransition   Kind = "INVALID_TRANSITION"
	KindInternal            Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers compare against the
// sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidGrade        = &Error{Kind: KindInvalidGrade}
	ErrResourceUnavailable = &Error{Kind: KindResourceUnavailable}
	ErrResourceBusy        = &Error{Kind: KindResourceBusy}
	ErrAlreadyReturned     = &Error{Kind: KindAlreadyReturned}
	ErrInUse               = &Error{Kind: KindInUse}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrInvalidTransition   = &Error{Kind: KindInvalidTransition}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an infrastructure failure (store unreachable, driver error).
func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...any) *Error { return New(KindNotFound, format, args...) }

func InvalidInput(format string, args ...any) *Error { return New(KindInvalidInput, format, args...) }

// KindOf reports the kind of err; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidGrade:
		return http.StatusUnprocessableEntity
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindResourceUnavailable, KindResourceBusy, KindAlreadyReturned, KindInUse, KindInvalidTransition:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// Respond writes err as a JSON error body. Internal errors are reported
// without their cause; the caller logs them.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	if kind == KindInternal {
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(kind), "message": "internal error"})
		return
	}
	c.JSON(HTTPStatus(err), gin.H{"error": string(kind), "message": err.Error()})
}

// Lookup converts a store error from loading one entity: a missing row
// becomes NotFound, anything else is internal.
func Lookup(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NotFound("%s %s not found", entity, id)
	}
	return Internal(err, "load %s %s", entity, id)
}

// CheckID reports NotFound for an id that is not a UUID. Every stored key is
// one, so such an id names nothing and must not reach the store.
func CheckID(entity, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return NotFound("%s %s not found", entity, id)
	}
	return nil
}

// Wrap passes business errors through untouched and marks everything else
// internal. Transactions return the callback's error as-is, so results of
// Transaction go through Wrap.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Internal(err, format, args...)
}
