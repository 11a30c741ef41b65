package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks requests rejected before any mutation.
	ErrValidation = errors.New("ledger: validation failed")

	// ErrInsufficientFunds is returned when a debit would take the balance
	// below zero.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrAlreadyProcessed is returned when approving or rejecting a deposit or
	// withdrawal that already reached a terminal state.
	ErrAlreadyProcessed = errors.New("ledger: already processed")

	// ErrConflict is returned when a concurrent writer changed the account
	// between read and commit.
	ErrConflict = errors.New("ledger: concurrent modification")

	// ErrPriceUnavailable is returned when no fresh price exists for a pair.
	ErrPriceUnavailable = errors.New("ledger: price unavailable")

	// ErrStoreUnavailable wraps durable-storage faults.
	ErrStoreUnavailable = errors.New("ledger: store unavailable")

	// ErrNotFound is returned for unknown accounts, trades or requests.
	ErrNotFound = errors.New("ledger: not found")
)

// ValidationError carries the human-readable reason a request was rejected.
// It matches ErrValidation under errors.Is.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError with a formatted message.
func Invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
