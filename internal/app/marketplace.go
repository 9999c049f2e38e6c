package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/config"
	"github.com/alanyoungcy/playermarket/internal/purchase"
	"github.com/alanyoungcy/playermarket/internal/server"
	"github.com/alanyoungcy/playermarket/internal/server/handler"
	"github.com/alanyoungcy/playermarket/internal/server/ws"
	"github.com/alanyoungcy/playermarket/internal/service"
	"github.com/alanyoungcy/playermarket/internal/view"
)

// Marketplace is the wired domain: services, the purchase coordinator, the
// view cache and the hub that displays it.
type Marketplace struct {
	Listings    *service.ListingService
	Ledger      *service.LedgerService
	Market      *service.MarketService
	Events      *service.EventPublisher
	Reaper      *service.Reaper
	Registry    *purchase.Registry
	Coordinator *purchase.Coordinator
	Views       *view.Cache
	Hub         *ws.Hub
}

// NewMarketplace builds the domain graph on top of deps.
func NewMarketplace(deps *Dependencies, cfg *config.Config, logger *slog.Logger) *Marketplace {
	mc := cfg.Marketplace
	discount := decimal.NewFromFloat(mc.BlackMarketDiscount)

	events := service.NewEventPublisher(deps.SignalBus, logger)
	listings := service.NewListingService(
		deps.ListingStore, deps.PlayerStore, deps.Codec, deps.Quarantine,
		service.ListingConfig{TTL: mc.ListingTTL.Duration},
		logger,
	)
	ledger := service.NewLedgerService(deps.PlayerStore, deps.ListingStore, time.Now, logger)

	hub := ws.NewHub(deps.SignalBus, logger)
	views := view.NewCache(listings, deps.Codec, hub, view.Config{
		BlackMarketSize:     mc.BlackMarketSize,
		BlackMarketDiscount: discount,
	}, logger)

	market := service.NewMarketService(
		listings, ledger, deps.Codec, deps.Economy, deps.AuditStore,
		events, deps.Queue, views,
		service.MarketConfig{
			MaxListingsPerPlayer: mc.MaxListingsPerPlayer,
			PageSize:             mc.PageSize,
			TransactionsPageSize: mc.TransactionsPageSize,
			ListingFeeRate:       decimal.NewFromFloat(mc.ListingFeeRate),
		},
		logger,
	)

	registry := purchase.NewRegistry(mc.ConfirmationTTL.Duration, logger)
	coord := purchase.NewCoordinator(purchase.Deps{
		Listings:  listings,
		Ledger:    ledger,
		Codec:     deps.Codec,
		Economy:   deps.Economy,
		Inventory: deps.Inventory,
		Presence:  deps.Presence,
		Registry:  registry,
		Locks:     deps.LockManager,
		Audit:     deps.AuditStore,
		Events:    events,
		Announcer: deps.Queue,
		Refresher: views,
		Offers:    views,
	}, purchase.Config{
		BlackMarketDiscount: discount,
		CallTimeout:         cfg.Accounts.CallTimeout.Duration,
		LockTTL:             mc.LockTTL.Duration,
	}, logger)

	// A player leaving the view also dismisses any confirmation they had open.
	hub.SetOnClose(func(playerID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := views.Close(ctx, playerID); err != nil {
			logger.Warn("close view failed",
				slog.String("player_id", playerID),
				slog.String("error", err.Error()),
			)
		}
		coord.CloseBuyer(playerID)
	})

	return &Marketplace{
		Listings:    listings,
		Ledger:      ledger,
		Market:      market,
		Events:      events,
		Reaper:      service.NewReaper(listings, ledger, events, views, cfg.Reaper.Interval.Duration, logger),
		Registry:    registry,
		Coordinator: coord,
		Views:       views,
		Hub:         hub,
	}
}

// NewServer builds the HTTP front end for m.
func (m *Marketplace) NewServer(deps *Dependencies, cfg *config.Config, logger *slog.Logger) *server.Server {
	return server.NewServer(server.Config{
		Port:         cfg.Server.Port,
		CORSOrigins:  cfg.Server.CORSOrigins,
		APIKey:       cfg.Server.APIKey,
		AdminKeyHash: cfg.Server.AdminKeyHash,
		RateLimit:    cfg.Server.RateLimit,
		RateWindow:   cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:       handler.NewHealthHandler(deps.Checks, logger),
		Listings:     handler.NewListingHandler(m.Market, logger),
		Transactions: handler.NewTransactionHandler(m.Market, deps.Codec, logger),
		Views:        handler.NewViewHandler(m.Views, m.Coordinator, logger),
		Purchases:    handler.NewPurchaseHandler(m.Coordinator, logger),
	}, m.Hub, deps.RateLimiter, logger)
}
