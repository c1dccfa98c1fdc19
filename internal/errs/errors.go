// Package errs holds the service error type shared by the domain packages.
package errs

import (
	"errors"
	"fmt"
)

// Error kinds. Every ServiceError carries exactly one of them.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrStoreFailure    = errors.New("store failure")
)

// ServiceError is returned across every public service boundary.
type ServiceError struct {
	code   string
	reason string
	kind   error
	err    error
}

// New builds a ServiceError with the code "<operation>.<reason>".
func New(operation, reason string, kind, cause error) error {
	return &ServiceError{
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		kind:   kind,
		err:    cause,
	}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Reason() string {
	return e.reason
}

func (e *ServiceError) Kind() error {
	return e.kind
}

// Code returns the service error code carried by err, or "" when err is not a ServiceError.
func Code(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}

// Reason returns the short reason of a ServiceError, or fallback.
func Reason(err error, fallback string) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) && serviceErr.reason != "" {
		return serviceErr.reason
	}
	return fallback
}
