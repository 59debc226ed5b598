// Package serviceerr carries coded failures out of the storage services.
package serviceerr

import (
	"errors"
	"fmt"
)

// Error pairs a stable "operation.reason" code with its cause.
type Error struct {
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the "operation.reason" identifier.
func (e *Error) Code() string {
	return e.code
}

// New builds an Error coded as "<operation>.<reason>".
func New(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &Error{code: code, err: cause}
}

// CodeOf returns the code of the first Error in err's chain, if any.
func CodeOf(err error) (string, bool) {
	var serviceErr *Error
	if errors.As(err, &serviceErr) {
		return serviceErr.Code(), true
	}
	return "", false
}
