package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidInput        = errors.New("invalid input")
	ErrMarketClosed        = errors.New("market closed")
	ErrAlreadySettled      = errors.New("market already settled")
	ErrConflictingPosition = errors.New("conflicting position on the opposite side")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrLockHeld            = errors.New("lock already held")
)

// InsufficientFundsError reports how many credits a debit needed and how many
// the account held. It matches ErrInsufficientFunds under errors.Is.
type InsufficientFundsError struct {
	Need int64
	Have int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: need %d credits, have %d (short %d)", e.Need, e.Have, e.Shortfall())
}

// Shortfall is the number of credits missing to cover the debit.
func (e *InsufficientFundsError) Shortfall() int64 {
	return e.Need - e.Have
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// IsDomainError reports whether err carries one of the ledger's typed
// failures. Anything else escaping a store transaction is a persistence fault.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyExists, ErrUnauthorized, ErrInvalidInput,
		ErrMarketClosed, ErrAlreadySettled, ErrConflictingPosition,
		ErrInsufficientFunds, ErrTransactionFailed, ErrLockHeld,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
