package credit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eksporyuk/broadcast-engine/internal/domain"
)

// MemoryLedger is a mutex-guarded in-process Ledger. It backs single-node
// deployments and tests; multi-worker deployments use the Redis ledger so
// the compare-and-decrement spans hosts.
type MemoryLedger struct {
	mu           sync.Mutex
	balances     map[string]int64
	reservations map[string]domain.Reservation
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:     make(map[string]int64),
		reservations: make(map[string]domain.Reservation),
	}
}

func (l *MemoryLedger) Balance(_ context.Context, accountID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[accountID], nil
}

func (l *MemoryLedger) Deposit(_ context.Context, accountID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("deposit amount must be non-negative, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[accountID] += amount
	return l.balances[accountID], nil
}

func (l *MemoryLedger) Reserve(_ context.Context, accountID string, amount int64) (string, error) {
	if amount < 0 {
		return "", fmt.Errorf("reserve amount must be non-negative, got %d", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[accountID]
	if balance < amount {
		return "", &InsufficientCreditError{Required: amount, Available: balance}
	}

	id := uuid.New().String()
	l.balances[accountID] = balance - amount
	l.reservations[id] = domain.Reservation{
		ID:        id,
		AccountID: accountID,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (l *MemoryLedger) Commit(_ context.Context, reservationID string, actual int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if actual < 0 || actual > res.Amount {
		return fmt.Errorf("commit amount %d outside reservation of %d", actual, res.Amount)
	}

	// Refund the unused portion; the charged part stays deducted.
	l.balances[res.AccountID] += res.Amount - actual
	delete(l.reservations, reservationID)
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, reservationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	l.balances[res.AccountID] += res.Amount
	delete(l.reservations, reservationID)
	return nil
}
