package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientCapacity = errors.New("insufficient inventory capacity")
	ErrInvalidOperation     = errors.New("invalid operation")
	ErrPayloadCorrupt       = errors.New("item payload corrupt")
	ErrUnavailable          = errors.New("player unavailable")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrListingLimit         = errors.New("listing limit reached")
	ErrLockHeld             = errors.New("lock already held")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")

	// ErrCompensationFailed marks a settlement whose reversal could not be
	// completed. Funds or items may be out of balance and need an operator.
	ErrCompensationFailed = errors.New("compensation failed")
)
