package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the referenced license id is absent from the
	// store. Recoverable; the caller decides whether to create it.
	ErrNotFound = errors.New("store: license not found")
	// ErrAlreadyExists indicates a create attempted on a pre-existing id.
	// Recoverable; the caller should update instead.
	ErrAlreadyExists = errors.New("store: license already exists")
	// ErrRightsExhausted indicates a consumption exceeding the remaining
	// counter. The stored counter is left unchanged.
	ErrRightsExhausted = errors.New("store: rights exhausted")
)

// StorageError wraps an underlying persistence failure. The failed
// operation leaves no partial state change behind.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageFailure(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
