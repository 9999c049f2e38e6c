package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Economy moves money between player accounts. Withdraw returns
// ErrInsufficientFunds when the balance does not cover amount.
type Economy interface {
	Balance(ctx context.Context, playerID string) (decimal.Decimal, error)
	HasFunds(ctx context.Context, playerID string, amount decimal.Decimal) (bool, error)
	Withdraw(ctx context.Context, playerID string, amount decimal.Decimal) error
	Deposit(ctx context.Context, playerID string, amount decimal.Decimal) error
}

// Inventory hands purchased items to players. Grant returns the part of the
// item that did not fit; any remainder means nothing was kept.
type Inventory interface {
	Grant(ctx context.Context, playerID string, item Item) (remainder []Item, err error)
}

// Presence reports whether a player is currently connected.
type Presence interface {
	Online(ctx context.Context, playerID string) (bool, error)
}
