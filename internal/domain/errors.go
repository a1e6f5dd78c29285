// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrValidation indicates a request carried malformed or inconsistent input.
// Wrapped errors keep a human-readable message suitable for an error notice.
var ErrValidation = errors.New("validation failed")

// Invalid returns an error that matches ErrValidation and whose message is
// msg verbatim, so it can be relayed to a client unchanged.
func Invalid(msg string) error {
	return &validationError{msg: msg}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Is(target error) bool { return target == ErrValidation }
