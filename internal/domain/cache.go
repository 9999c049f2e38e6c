package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub for market events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// MarketEventsChannel is the bus channel carrying MarketEvent payloads.
const MarketEventsChannel = "market:events"

// MarketEvent is published whenever the set of purchasable listings changes.
type MarketEvent struct {
	Type      string    `json:"type"`
	ListingID string    `json:"listing_id"`
	SellerID  string    `json:"seller_id,omitempty"`
	BuyerID   string    `json:"buyer_id,omitempty"`
	Price     string    `json:"price,omitempty"`
	At        time.Time `json:"at"`
}

// Market event types.
const (
	EventListingCreated = "listing_created"
	EventListingSold    = "listing_sold"
	EventListingRemoved = "listing_removed"
	EventListingExpired = "listing_expired"
)
