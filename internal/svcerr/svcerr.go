package svcerr

import (
	"errors"
	"fmt"
)

// Error carries a machine-readable code of the form "<operation>.<reason>"
// alongside the underlying cause. The reason segment is what the HTTP
// layer maps to response codes.
type Error struct {
	operation string
	reason    string
	err       error
}

// New wraps cause with an operation and reason code.
func New(operation, reason string, cause error) *Error {
	return &Error{operation: operation, reason: reason, err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.Code()
	}
	return fmt.Sprintf("%s: %v", e.Code(), e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the full "<operation>.<reason>" code.
func (e *Error) Code() string {
	return fmt.Sprintf("%s.%s", e.operation, e.reason)
}

// Reason returns the reason segment of the code.
func (e *Error) Reason() string {
	return e.reason
}

// Operation returns the operation segment of the code.
func (e *Error) Operation() string {
	return e.operation
}

// ReasonOf extracts the reason code from err when it is (or wraps) an
// *Error; otherwise it returns fallback.
func ReasonOf(err error, fallback string) string {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Reason()
	}
	return fallback
}
