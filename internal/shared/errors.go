package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a request that violates a domain invariant.
	ErrInvalidInput = errors.New("invalid input")
	// ErrConflict indicates a competing writer won; the caller may retry.
	ErrConflict = errors.New("concurrent conflict")
)
