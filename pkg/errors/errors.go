package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// StatusCode maps the error code to an HTTP status.
func (e *AppError) StatusCode() int {
	switch e.Code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrBadRequest:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrFetch, ErrSubscription:
		return http.StatusBadGateway
	case ErrMutation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal

	// Backend failures
	ErrFetch
	ErrMutation
	ErrSubscription
)

// Sentinels for errors.Is checks against a code.
var (
	Fetch        = &AppError{Code: ErrFetch}
	Mutation     = &AppError{Code: ErrMutation}
	Subscription = &AppError{Code: ErrSubscription}
	NotFoundErr  = &AppError{Code: ErrNotFound}
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// NewFetch wraps a backend rejection on a read of the named query.
func NewFetch(query string, err error) *AppError {
	return &AppError{
		Code:    ErrFetch,
		Message: fmt.Sprintf("fetch %s failed", query),
		Err:     err,
	}
}

// NewMutation wraps a backend rejection on a write.
func NewMutation(op string, err error) *AppError {
	return &AppError{
		Code:    ErrMutation,
		Message: fmt.Sprintf("%s failed", op),
		Err:     err,
	}
}

// NewSubscription wraps a realtime channel failure.
func NewSubscription(channel string, err error) *AppError {
	return &AppError{
		Code:    ErrSubscription,
		Message: fmt.Sprintf("subscription %s failed", channel),
		Err:     err,
	}
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in the chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
