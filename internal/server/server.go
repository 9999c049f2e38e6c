// Package server exposes the marketplace over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/server/handler"
	"github.com/alanyoungcy/playermarket/internal/server/middleware"
	"github.com/alanyoungcy/playermarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// AdminKeyHash is a bcrypt hash of the operator key. Admin routes are
	// refused while it is empty.
	AdminKeyHash string
	// RateLimit is the per-player request budget per RateWindow. Zero
	// disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	Listings     *handler.ListingHandler
	Transactions *handler.TransactionHandler
	Views        *handler.ViewHandler
	Purchases    *handler.PurchaseHandler
}

// Server is the HTTP + WebSocket front end of the marketplace.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
// limiter and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	admin := middleware.Admin(cfg.AdminKeyHash)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Listings.
	mux.HandleFunc("POST /api/listings", handlers.Listings.CreateListing)
	mux.HandleFunc("GET /api/listings", handlers.Listings.ListActive)
	mux.HandleFunc("GET /api/players/{id}/listings", handlers.Listings.ListOwned)
	mux.Handle("DELETE /api/admin/listings/{id}", admin(http.HandlerFunc(handlers.Listings.AdminRemove)))

	// Transaction history.
	mux.HandleFunc("GET /api/players/{id}/transactions", handlers.Transactions.ListOwn)
	mux.Handle("GET /api/admin/players/{id}/transactions", admin(http.HandlerFunc(handlers.Transactions.ListAny)))

	// Browsing views.
	mux.HandleFunc("POST /api/views", handlers.Views.Open)
	mux.HandleFunc("POST /api/views/{player}/paginate", handlers.Views.Paginate)
	mux.HandleFunc("POST /api/views/{player}/click", handlers.Views.Click)
	mux.HandleFunc("DELETE /api/views/{player}", handlers.Views.Close)

	// Purchases.
	mux.HandleFunc("POST /api/purchases", handlers.Purchases.Purchase)
	mux.HandleFunc("POST /api/confirmations/{id}/confirm", handlers.Purchases.Confirm)
	mux.HandleFunc("POST /api/confirmations/{id}/cancel", handlers.Purchases.Cancel)
	mux.HandleFunc("POST /api/confirmations/{id}/close", handlers.Purchases.Close)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
