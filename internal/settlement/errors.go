package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a presale or investment does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidState is returned when an operation does not fit the presale's lifecycle state.
	ErrInvalidState = errors.New("invalid presale state")

	// ErrSignerUnavailable is returned when no custody signer was configured.
	// Nothing can be moved out of escrow without it.
	ErrSignerUnavailable = errors.New("custody signer not configured")

	// ErrSettlementInProgress is returned to the loser of a settlement race. No transfer was attempted.
	ErrSettlementInProgress = errors.New("settlement already in progress")

	// ErrLeaseLost is returned when another process took over the settlement lease mid-run.
	// The run stops before its next transfer.
	ErrLeaseLost = errors.New("settlement lease lost")

	// ErrTokenAccountNotFound is returned by balance oracles when the custody token account does not exist.
	ErrTokenAccountNotFound = errors.New("token account not found")
)

// TransferError describes a single asset movement that failed after all attempts.
type TransferError struct {
	Destination string
	Mint        string
	Amount      uint64
	Attempts    int
	Err         error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer of %d %s to %s failed after %d attempt(s): %v",
		e.Amount, e.Mint, e.Destination, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
