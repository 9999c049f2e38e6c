// Package purchase runs the buy flow: a buyer opens a single-use
// confirmation for a listing, and confirming it settles the purchase. The
// Registry owns every confirmation and latches it on the first of confirm,
// cancel or close.
package purchase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// State is the lifecycle position of a confirmation.
type State string

const (
	StatePending   State = "confirm_pending"
	StateSettling  State = "settling"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Confirmation is the acknowledgement presented to a buyer before money
// moves. Price is fixed when the confirmation opens.
type Confirmation struct {
	ID        string          `json:"id"`
	BuyerID   string          `json:"buyer_id"`
	Listing   domain.Listing  `json:"listing"`
	Item      domain.Item     `json:"item"`
	Mode      domain.ViewMode `json:"mode"`
	Price     decimal.Decimal `json:"price"`
	State     State           `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Registry maps confirmation id to state. All transitions are
// check-and-set under one mutex.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Confirmation
	pending map[string]string // buyer -> pending confirmation id
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// NewRegistry creates a Registry. Pending confirmations older than ttl are
// cancelled by Sweep; finished ones are forgotten after the same period.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Registry{
		entries: make(map[string]*Confirmation),
		pending: make(map[string]string),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "confirmation_registry")),
	}
}

// Open registers c as pending. A buyer has at most one pending
// confirmation; an older one is cancelled and its id returned.
func (r *Registry) Open(c Confirmation) (replaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if prev, ok := r.pending[c.BuyerID]; ok {
		if e := r.entries[prev]; e != nil && e.State == StatePending {
			e.State = StateCancelled
			e.UpdatedAt = now
			replaced = prev
		}
	}
	c.State = StatePending
	c.CreatedAt = now
	c.UpdatedAt = now
	r.entries[c.ID] = &c
	r.pending[c.BuyerID] = c.ID
	return replaced
}

// Get returns a copy of the confirmation.
func (r *Registry) Get(id string) (Confirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Confirmation{}, fmt.Errorf("confirmation %s: %w", id, domain.ErrNotFound)
	}
	return *e, nil
}

// Transition moves confirmation id from `from` to `to` if buyerID owns it and
// it is still in `from`. Anything else is stale input.
func (r *Registry) Transition(id, buyerID string, from, to State) (Confirmation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Confirmation{}, fmt.Errorf("confirmation %s: %w", id, domain.ErrNotFound)
	}
	if e.BuyerID != buyerID {
		return Confirmation{}, fmt.Errorf("confirmation %s belongs to another player: %w", id, domain.ErrInvalidOperation)
	}
	if e.State != from {
		return Confirmation{}, fmt.Errorf("confirmation %s is %s: %w", id, e.State, domain.ErrInvalidOperation)
	}
	e.State = to
	e.UpdatedAt = r.now()
	if from == StatePending && r.pending[buyerID] == id {
		delete(r.pending, buyerID)
	}
	return *e, nil
}

// CloseBuyer cancels the buyer's pending confirmation, if any. It is called
// when the buyer's view goes away.
func (r *Registry) CloseBuyer(buyerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.pending[buyerID]
	if !ok {
		return "", false
	}
	delete(r.pending, buyerID)
	e := r.entries[id]
	if e == nil || e.State != StatePending {
		return "", false
	}
	e.State = StateCancelled
	e.UpdatedAt = r.now()
	return id, true
}

// Len returns the number of tracked confirmations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep cancels pending confirmations older than the ttl and drops
// terminal ones not touched for the ttl. Settling entries are never touched.
func (r *Registry) Sweep() (expired, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	for id, e := range r.entries {
		if e.UpdatedAt.After(cutoff) {
			continue
		}
		switch {
		case e.State == StatePending:
			e.State = StateCancelled
			e.UpdatedAt = r.now()
			if r.pending[e.BuyerID] == id {
				delete(r.pending, e.BuyerID)
			}
			expired++
		case e.State.Terminal():
			delete(r.entries, id)
			dropped++
		}
	}
	return expired, dropped
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if expired, dropped := r.Sweep(); expired+dropped > 0 {
				r.logger.DebugContext(ctx, "confirmations swept",
					slog.Int("expired", expired),
					slog.Int("dropped", dropped),
				)
			}
		}
	}
}
