package domain

import "time"

// CreditAccount tracks the send budget for one sender account. Balance is a
// non-negative integer; one credit covers one successfully sent message.
type CreditAccount struct {
	AccountID string `json:"accountId" db:"account_id"`
	Balance   int64  `json:"balance" db:"balance"`
}

// Reservation is a provisional credit hold taken for an in-flight dispatch.
// The reserved amount is the resolved recipient count at reservation time, a
// conservative upper bound on the eventual charge.
type Reservation struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}
