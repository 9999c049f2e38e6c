package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/notify"
	"github.com/alanyoungcy/playermarket/internal/service"
)

// Receipt describes a completed purchase.
type Receipt struct {
	ConfirmationID string          `json:"confirmation_id"`
	ListingID      string          `json:"listing_id"`
	BuyerID        string          `json:"buyer_id"`
	SellerID       string          `json:"seller_id"`
	Item           domain.Item     `json:"item"`
	Price          decimal.Decimal `json:"price"`
	BlackMarket    bool            `json:"black_market"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// Config holds purchase rules.
type Config struct {
	// BlackMarketDiscount multiplies the listed price for purchases made
	// from a black market view.
	BlackMarketDiscount decimal.Decimal
	// CallTimeout bounds every call to the accounts service.
	CallTimeout time.Duration
	// LockTTL is the lifetime of the optional per-listing lock.
	LockTTL time.Duration
}

// Offers reports the mode of the view in which a listing is currently shown
// to a player. *view.Cache satisfies it.
type Offers interface {
	Offered(ctx context.Context, playerID, listingID string) (domain.ViewMode, bool, error)
}

// Deps are the collaborators a Coordinator drives. Locks, Audit, Announcer
// and Refresher may be nil. Without Offers no black market price is granted.
type Deps struct {
	Listings  *service.ListingService
	Ledger    *service.LedgerService
	Codec     domain.Codec
	Economy   domain.Economy
	Inventory domain.Inventory
	Presence  domain.Presence
	Registry  *Registry
	Locks     domain.LockManager
	Audit     domain.AuditStore
	Events    *service.EventPublisher
	Announcer service.Announcer
	Refresher service.ViewRefresher
	Offers    Offers
}

// Coordinator executes purchases. The listing is claimed with a conditional
// delete before any money moves, so concurrent buyers of one listing cannot
// both pay.
type Coordinator struct {
	d      Deps
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(d Deps, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.BlackMarketDiscount.IsZero() {
		cfg.BlackMarketDiscount = decimal.NewFromFloat(0.5)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Coordinator{
		d:      d,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "purchase_coordinator")),
	}
}

// Begin resolves the listing and opens a confirmation for buyerID. mode is
// the view the buyer clicked from and decides the price. A black market
// price is only granted while the listing is a slot of the buyer's current
// black market view.
func (c *Coordinator) Begin(ctx context.Context, buyerID, listingID string, mode domain.ViewMode) (Confirmation, error) {
	if buyerID == "" || !mode.Valid() {
		return Confirmation{}, fmt.Errorf("purchase: begin: buyer %q mode %q: %w", buyerID, mode, domain.ErrInvalidInput)
	}
	if mode == domain.ViewBlackMarket {
		if err := c.checkOffered(ctx, buyerID, listingID); err != nil {
			return Confirmation{}, fmt.Errorf("purchase: begin: %w", err)
		}
	}

	l, err := c.d.Listings.GetByID(ctx, listingID)
	if err == nil && !l.Active(c.now()) {
		err = fmt.Errorf("listing %s expired: %w", listingID, domain.ErrNotFound)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.refresh()
		}
		return Confirmation{}, fmt.Errorf("purchase: begin: %w", err)
	}
	if l.SellerID == buyerID {
		return Confirmation{}, fmt.Errorf("purchase: begin: buying own listing %s: %w", l.ID, domain.ErrInvalidOperation)
	}

	item, err := c.d.Codec.Decode(l.Item)
	if err != nil {
		if rerr := c.d.Listings.RemoveCorrupt(ctx, l); rerr != nil && !errors.Is(rerr, domain.ErrNotFound) {
			c.logger.ErrorContext(ctx, "remove corrupt listing failed",
				slog.String("listing_id", l.ID),
				slog.String("error", rerr.Error()),
			)
		}
		c.refresh()
		return Confirmation{}, fmt.Errorf("purchase: begin: listing %s: %w", l.ID, err)
	}

	conf := Confirmation{
		ID:      uuid.NewString(),
		BuyerID: buyerID,
		Listing: l,
		Item:    item,
		Mode:    mode,
		Price:   domain.EffectivePrice(l, mode, c.cfg.BlackMarketDiscount),
	}
	if replaced := c.d.Registry.Open(conf); replaced != "" {
		c.logger.DebugContext(ctx, "pending confirmation replaced",
			slog.String("buyer_id", buyerID),
			slog.String("confirmation_id", replaced),
		)
	}
	return c.d.Registry.Get(conf.ID)
}

// Confirm settles a pending confirmation. Only the first confirm, cancel or
// close of a confirmation takes effect; later ones get
// domain.ErrInvalidOperation. Once settling starts, cancelling ctx no longer
// stops it.
func (c *Coordinator) Confirm(ctx context.Context, buyerID, confirmationID string) (Receipt, error) {
	conf, err := c.d.Registry.Transition(confirmationID, buyerID, StatePending, StateSettling)
	if err != nil {
		return Receipt{}, fmt.Errorf("purchase: confirm: %w", err)
	}

	receipt, err := c.settle(context.WithoutCancel(ctx), conf)
	final := StateCompleted
	if err != nil {
		final = StateFailed
	}
	if _, terr := c.d.Registry.Transition(conf.ID, buyerID, StateSettling, final); terr != nil {
		c.logger.WarnContext(ctx, "confirmation finish", slog.String("error", terr.Error()))
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("purchase: confirm: %w", err)
	}
	return receipt, nil
}

// Cancel ends a pending confirmation without side effects.
func (c *Coordinator) Cancel(_ context.Context, buyerID, confirmationID string) error {
	if _, err := c.d.Registry.Transition(confirmationID, buyerID, StatePending, StateCancelled); err != nil {
		return fmt.Errorf("purchase: cancel: %w", err)
	}
	return nil
}

// Close is Cancel triggered by the buyer's view closing.
func (c *Coordinator) Close(ctx context.Context, buyerID, confirmationID string) error {
	if _, err := c.d.Registry.Transition(confirmationID, buyerID, StatePending, StateCancelled); err != nil {
		return fmt.Errorf("purchase: close: %w", err)
	}
	c.logger.DebugContext(ctx, "confirmation closed", slog.String("confirmation_id", confirmationID))
	return nil
}

// CloseBuyer cancels whatever confirmation buyerID has pending.
func (c *Coordinator) CloseBuyer(buyerID string) {
	c.d.Registry.CloseBuyer(buyerID)
}

// Purchase opens and immediately confirms a purchase at the listed price.
func (c *Coordinator) Purchase(ctx context.Context, buyerID, listingID string) (Receipt, error) {
	conf, err := c.Begin(ctx, buyerID, listingID, domain.ViewNormal)
	if err != nil {
		return Receipt{}, err
	}
	return c.Confirm(ctx, buyerID, conf.ID)
}

func (c *Coordinator) checkOffered(ctx context.Context, buyerID, listingID string) error {
	if c.d.Offers == nil {
		return fmt.Errorf("black market price for %s: %w", listingID, domain.ErrInvalidOperation)
	}
	mode, ok, err := c.d.Offers.Offered(ctx, buyerID, listingID)
	if err != nil {
		return err
	}
	if !ok || mode != domain.ViewBlackMarket {
		return fmt.Errorf("listing %s is not in %s's black market view: %w", listingID, buyerID, domain.ErrInvalidOperation)
	}
	return nil
}

func (c *Coordinator) settle(ctx context.Context, conf Confirmation) (Receipt, error) {
	buyer, seller, amount := conf.BuyerID, conf.Listing.SellerID, conf.Price
	log := c.logger.With(
		slog.String("confirmation_id", conf.ID),
		slog.String("listing_id", conf.Listing.ID),
		slog.String("buyer_id", buyer),
		slog.String("seller_id", seller),
		slog.String("price", amount.String()),
	)

	var online bool
	if err := c.call(ctx, func(ctx context.Context) (err error) {
		online, err = c.d.Presence.Online(ctx, buyer)
		return err
	}); err != nil {
		return Receipt{}, err
	}
	if !online {
		return Receipt{}, fmt.Errorf("buyer %s offline: %w", buyer, domain.ErrUnavailable)
	}

	var funded bool
	if err := c.call(ctx, func(ctx context.Context) (err error) {
		funded, err = c.d.Economy.HasFunds(ctx, buyer, amount)
		return err
	}); err != nil {
		return Receipt{}, err
	}
	if !funded {
		return Receipt{}, fmt.Errorf("buyer %s needs %s: %w", buyer, amount, domain.ErrInsufficientFunds)
	}

	if c.d.Locks != nil {
		unlock, err := c.d.Locks.Acquire(ctx, "listing:"+conf.Listing.ID, c.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			return Receipt{}, fmt.Errorf("listing %s is being purchased: %w", conf.Listing.ID, domain.ErrNotFound)
		}
		if err != nil {
			return Receipt{}, err
		}
		defer unlock()
	}

	claimed, err := c.d.Listings.RemoveByID(ctx, conf.Listing.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.refresh()
		}
		return Receipt{}, err
	}
	if !claimed.Active(c.now()) {
		c.refresh()
		return Receipt{}, fmt.Errorf("listing %s expired: %w", claimed.ID, domain.ErrNotFound)
	}

	if err := c.call(ctx, func(ctx context.Context) error { return c.d.Economy.Withdraw(ctx, buyer, amount) }); err != nil {
		c.restore(ctx, claimed)
		return Receipt{}, err
	}
	if err := c.call(ctx, func(ctx context.Context) error { return c.d.Economy.Deposit(ctx, seller, amount) }); err != nil {
		log.WarnContext(ctx, "seller deposit failed, refunding buyer", slog.String("error", err.Error()))
		if rerr := c.call(ctx, func(ctx context.Context) error { return c.d.Economy.Deposit(ctx, buyer, amount) }); rerr != nil {
			err = errors.Join(err, c.compensationFailed(ctx, conf, "refund_buyer", rerr))
		}
		c.restore(ctx, claimed)
		return Receipt{}, err
	}

	var remainder []domain.Item
	gerr := c.call(ctx, func(ctx context.Context) (err error) {
		remainder, err = c.d.Inventory.Grant(ctx, buyer, conf.Item)
		return err
	})
	if gerr != nil || len(remainder) > 0 {
		if gerr == nil {
			gerr = fmt.Errorf("buyer %s cannot hold %s: %w", buyer, conf.Item.Label(), domain.ErrInsufficientCapacity)
		}
		log.WarnContext(ctx, "grant failed, reversing transfer", slog.String("error", gerr.Error()))
		if rerr := c.call(ctx, func(ctx context.Context) error { return c.d.Economy.Withdraw(ctx, seller, amount) }); rerr != nil {
			gerr = errors.Join(gerr, c.compensationFailed(ctx, conf, "reclaim_seller", rerr))
		} else if rerr := c.call(ctx, func(ctx context.Context) error { return c.d.Economy.Deposit(ctx, buyer, amount) }); rerr != nil {
			gerr = errors.Join(gerr, c.compensationFailed(ctx, conf, "refund_buyer", rerr))
		}
		c.restore(ctx, claimed)
		return Receipt{}, gerr
	}

	now := c.now().UTC()
	tx := domain.Transaction{
		BuyerID:     buyer,
		SellerID:    seller,
		Item:        claimed.Item,
		Price:       amount,
		BlackMarket: conf.Mode == domain.ViewBlackMarket,
		Timestamp:   now,
	}
	if err := c.d.Ledger.RecordTransaction(ctx, tx); err != nil {
		log.ErrorContext(ctx, "purchase settled but ledger write failed", slog.String("error", err.Error()))
	}

	c.auditLog(ctx, "purchase.completed", map[string]any{
		"confirmation_id": conf.ID,
		"listing_id":      claimed.ID,
		"buyer_id":        buyer,
		"seller_id":       seller,
		"price":           amount.String(),
		"black_market":    tx.BlackMarket,
	})
	c.d.Events.Publish(ctx, domain.MarketEvent{
		Type:      domain.EventListingSold,
		ListingID: claimed.ID,
		SellerID:  seller,
		BuyerID:   buyer,
		Price:     amount.String(),
		At:        now,
	})
	if c.d.Announcer != nil {
		c.d.Announcer.Enqueue(notify.EventListingSold, "Item sold",
			fmt.Sprintf("%s bought %s from %s for %s", buyer, conf.Item.Label(), seller, amount.StringFixed(2)))
	}
	c.refresh()
	log.InfoContext(ctx, "purchase completed", slog.Bool("black_market", tx.BlackMarket))

	return Receipt{
		ConfirmationID: conf.ID,
		ListingID:      claimed.ID,
		BuyerID:        buyer,
		SellerID:       seller,
		Item:           conf.Item,
		Price:          amount,
		BlackMarket:    tx.BlackMarket,
		CompletedAt:    now,
	}, nil
}

// call runs fn with the configured per-call timeout.
func (c *Coordinator) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Coordinator) restore(ctx context.Context, l domain.Listing) {
	if err := c.d.Listings.Restore(ctx, l); err != nil {
		c.logger.ErrorContext(ctx, "listing restore failed",
			slog.String("listing_id", l.ID),
			slog.String("seller_id", l.SellerID),
			slog.String("error", err.Error()),
		)
		c.auditLog(ctx, "purchase.restore_failed", map[string]any{
			"listing_id": l.ID,
			"seller_id":  l.SellerID,
			"error":      err.Error(),
		})
		return
	}
	c.refresh()
}

// compensationFailed records a reversal that did not go through. Money may
// be stuck, so it is logged as fatal, audited and sent to the urgent channel.
func (c *Coordinator) compensationFailed(ctx context.Context, conf Confirmation, stage string, cause error) error {
	c.logger.ErrorContext(ctx, "fatal: purchase compensation failed",
		slog.String("stage", stage),
		slog.String("confirmation_id", conf.ID),
		slog.String("listing_id", conf.Listing.ID),
		slog.String("buyer_id", conf.BuyerID),
		slog.String("seller_id", conf.Listing.SellerID),
		slog.String("amount", conf.Price.String()),
		slog.String("error", cause.Error()),
	)
	c.auditLog(ctx, "purchase.compensation_failed", map[string]any{
		"stage":           stage,
		"confirmation_id": conf.ID,
		"listing_id":      conf.Listing.ID,
		"buyer_id":        conf.BuyerID,
		"seller_id":       conf.Listing.SellerID,
		"amount":          conf.Price.String(),
		"error":           cause.Error(),
	})
	if c.d.Announcer != nil {
		c.d.Announcer.Enqueue(notify.EventUrgent, "Purchase compensation failed",
			fmt.Sprintf("stage=%s listing=%s buyer=%s seller=%s amount=%s: %v",
				stage, conf.Listing.ID, conf.BuyerID, conf.Listing.SellerID, conf.Price, cause))
	}
	return fmt.Errorf("%s: %w: %w", stage, domain.ErrCompensationFailed, cause)
}

func (c *Coordinator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if c.d.Audit == nil {
		return
	}
	if err := c.d.Audit.Log(ctx, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) refresh() {
	if c.d.Refresher != nil {
		c.d.Refresher.RequestRefresh()
	}
}
