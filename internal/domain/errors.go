package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the ledger and its stores.
var (
	// ErrInsufficientFunds means a debit failed its balance guard. No
	// balance mutation happened.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateReference means a transaction reference already
	// exists in the ledger. The duplicate is never inserted.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrTerminalTransaction means a status update targeted a
	// transaction that already reached a terminal state.
	ErrTerminalTransaction = errors.New("transaction already terminal")

	// ErrStoreUnavailable means the ledger or counter store could not
	// be reached. Retryable; risk scoring fails closed on it.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError rejects a request before any side effect. Field and
// Reason are safe to display to the end user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
