package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by every "entity absent" error.
	ErrNotFound = errors.New("not found")

	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)
	ErrStatusNotFound  = fmt.Errorf("status %w", ErrNotFound)
	ErrListNotFound    = fmt.Errorf("list %w", ErrNotFound)

	// ErrNoLocalUser is returned when a feed operation needs a local user behind the account.
	ErrNoLocalUser = errors.New("account has no local user")
)

// ValidationError is a missing or malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreError is a key-value backend failure (timeout, connection reset...).
// Fan-out logs and skips it; single-target operations surface it.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsStoreError(err error) bool {
	var s *StoreError
	return errors.As(err, &s)
}

// ErrLockNotObtained means another worker holds the lock.
var ErrLockNotObtained = errors.New("lock not obtained")
