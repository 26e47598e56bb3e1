// Package credit implements the credit ledger: per-account balances with
// atomic reserve/commit/release around in-flight dispatches.
//
// A reservation holds the resolved recipient count before any send occurs.
// Commit charges the actual amount and refunds the remainder; Release
// refunds the whole hold. Reserve is compare-and-decrement: two concurrent
// reservations on one account never both succeed when their combined amount
// exceeds the balance.
package credit

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownReservation is returned by Commit/Release for a reservation ID
// that does not exist or was already settled.
var ErrUnknownReservation = errors.New("unknown or settled reservation")

// InsufficientCreditError is returned by Reserve when the account balance
// cannot cover the requested amount. Required and Available are surfaced to
// the caller verbatim so the UI can drive a top-up flow.
type InsufficientCreditError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

// IsInsufficient reports whether err is an insufficient-credit failure.
func IsInsufficient(err error) bool {
	var ice *InsufficientCreditError
	return errors.As(err, &ice)
}

// Ledger is the credit accounting contract. Implementations must make
// Reserve atomic against concurrent reservations on the same account.
type Ledger interface {
	// Balance returns the current available balance for an account.
	// Accounts that were never funded have balance 0.
	Balance(ctx context.Context, accountID string) (int64, error)

	// Deposit adds credits to an account (top-up flow).
	Deposit(ctx context.Context, accountID string, amount int64) (int64, error)

	// Reserve places a hold of amount credits and returns a reservation ID.
	// Returns *InsufficientCreditError when the balance cannot cover it.
	Reserve(ctx context.Context, accountID string, amount int64) (string, error)

	// Commit settles a reservation for the actual charged amount and
	// refunds the unused remainder. actual must not exceed the reserved
	// amount.
	Commit(ctx context.Context, reservationID string, actual int64) error

	// Release rolls back a reservation in full. Used when a dispatch
	// aborts before any send consumed credit.
	Release(ctx context.Context, reservationID string) error
}
