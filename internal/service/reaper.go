package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/playermarket/internal/domain"
)

// SweepResult summarises one maintenance pass.
type SweepResult struct {
	Expired  int `json:"expired"`
	Invalid  int `json:"invalid"`
	Repaired int `json:"repaired"`
}

// Reaper periodically deletes expired listings and repairs ledger mirrors.
type Reaper struct {
	listings  *ListingService
	ledger    *LedgerService
	events    *EventPublisher
	refresher ViewRefresher
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewReaper creates a Reaper. interval defaults to one hour.
func NewReaper(
	listings *ListingService,
	ledger *LedgerService,
	events *EventPublisher,
	refresher ViewRefresher,
	interval time.Duration,
	logger *slog.Logger,
) *Reaper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{
		listings:  listings,
		ledger:    ledger,
		events:    events,
		refresher: refresher,
		interval:  interval,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "reaper")),
	}
}

// Run sweeps on every tick until ctx is cancelled. Call in a goroutine.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.InfoContext(ctx, "reaper started", slog.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep purges expired listings, reconciles mirrors, and refreshes views if
// anything was removed.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	removed, err := r.listings.PurgeExpired(ctx, r.now())
	if err != nil {
		return res, fmt.Errorf("reaper: %w", err)
	}
	res.Expired = len(removed)
	for _, l := range removed {
		r.events.Publish(ctx, domain.MarketEvent{
			Type:      domain.EventListingExpired,
			ListingID: l.ID,
			SellerID:  l.SellerID,
			At:        l.ExpiresAt,
		})
	}

	res.Repaired, err = r.ledger.Reconcile(ctx)
	if err != nil {
		return res, fmt.Errorf("reaper: %w", err)
	}
	if res.Expired > 0 {
		r.refresh()
	}
	r.logger.DebugContext(ctx, "sweep complete",
		slog.Int("expired", res.Expired),
		slog.Int("repaired", res.Repaired),
	)
	return res, nil
}

// PurgeInvalid removes listings whose payload no longer decodes and then
// reconciles every mirror. It runs once at startup.
func (r *Reaper) PurgeInvalid(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	removed, err := r.listings.PurgeInvalid(ctx)
	if err != nil {
		return res, fmt.Errorf("reaper: %w", err)
	}
	res.Invalid = len(removed)
	for _, l := range removed {
		r.events.Publish(ctx, domain.MarketEvent{
			Type:      domain.EventListingRemoved,
			ListingID: l.ID,
			SellerID:  l.SellerID,
			At:        r.now().UTC(),
		})
	}
	res.Repaired, err = r.ledger.Reconcile(ctx)
	if err != nil {
		return res, fmt.Errorf("reaper: %w", err)
	}
	if res.Invalid > 0 {
		r.refresh()
	}
	r.logger.InfoContext(ctx, "integrity sweep complete",
		slog.Int("invalid", res.Invalid),
		slog.Int("repaired", res.Repaired),
	)
	return res, nil
}

func (r *Reaper) refresh() {
	if r.refresher != nil {
		r.refresher.RequestRefresh()
	}
}
