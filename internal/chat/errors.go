package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both an absent conversation and an owner mismatch.
	// Callers cannot tell the two apart on purpose.
	ErrNotFound = errors.New("conversation not found")

	// ErrValidation marks missing or empty required input.
	ErrValidation = errors.New("invalid input")
)

// StorageError wraps a persistence failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("chat storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
