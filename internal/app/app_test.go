package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/config"
	"github.com/alanyoungcy/playermarket/internal/domain"
)

// gameServer fakes the accounts service every player is online on.
type gameServer struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	granted  map[string][]domain.Item
}

func (g *gameServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /players/{id}/balance", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"balance": g.balances[r.PathValue("id")].String()})
	})
	mux.HandleFunc("GET /players/{id}/presence", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]bool{"online": true})
	})
	mux.HandleFunc("POST /players/{id}/{op}", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Amount string `json:"amount"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		amt := decimal.RequireFromString(req.Amount)

		g.mu.Lock()
		defer g.mu.Unlock()
		id := r.PathValue("id")
		switch r.PathValue("op") {
		case "withdraw":
			if g.balances[id].LessThan(amt) {
				w.WriteHeader(http.StatusPaymentRequired)
				return
			}
			g.balances[id] = g.balances[id].Sub(amt)
		case "deposit":
			g.balances[id] = g.balances[id].Add(amt)
		}
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST /players/{id}/inventory/grant", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Item domain.Item `json:"item"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		g.granted[r.PathValue("id")] = append(g.granted[r.PathValue("id")], req.Item)
		g.mu.Unlock()
		_, _ = w.Write([]byte(`{"remainder":[]}`))
	})
	return mux
}

func (g *gameServer) balance(id string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[id]
}

func testConfig(t *testing.T, accountsURL string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "market.db")
	cfg.Accounts.BaseURL = accountsURL
	cfg.Accounts.CallTimeout.Duration = 2 * time.Second
	cfg.Marketplace.ListingFeeRate = 0
	return &cfg
}

type client struct {
	t    *testing.T
	base string
}

func (c client) do(method, path, player string, body any) (int, []byte) {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if player != "" {
		req.Header.Set("X-Player-ID", player)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func TestBrowseAndBuyEndToEnd(t *testing.T) {
	game := &gameServer{
		balances: map[string]decimal.Decimal{"buyer": decimal.NewFromInt(500)},
		granted:  map[string][]domain.Item{},
	}
	gs := httptest.NewServer(game.handler())
	t.Cleanup(gs.Close)

	cfg := testConfig(t, gs.URL)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())

	deps, cleanup, err := Wire(ctx, cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	m := NewMarketplace(deps, cfg, logger)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{m.Views.Run, m.Hub.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = run(ctx)
		}()
	}
	api := httptest.NewServer(m.NewServer(deps, cfg, logger).Handler())
	t.Cleanup(func() {
		api.Close()
		cancel()
		wg.Wait()
		cleanup()
	})
	c := client{t: t, base: api.URL}

	for _, price := range []string{"100", "80"} {
		status, body := c.do(http.MethodPost, "/api/listings", "seller", map[string]any{
			"item":  map[string]any{"material": "diamond_sword", "amount": 1},
			"price": price,
		})
		if status != http.StatusCreated {
			t.Fatalf("create listing: %d %s", status, body)
		}
	}

	// Normal view: newest first, full price.
	status, body := c.do(http.MethodPost, "/api/views", "buyer", map[string]any{"mode": "normal", "page": 1})
	if status != http.StatusOK {
		t.Fatalf("open view: %d %s", status, body)
	}
	var session struct {
		Slots []struct {
			ListingID string          `json:"listing_id"`
			Price     decimal.Decimal `json:"price"`
		} `json:"slots"`
	}
	if err := json.Unmarshal(body, &session); err != nil || len(session.Slots) != 2 {
		t.Fatalf("session = %s (%v)", body, err)
	}
	if !session.Slots[0].Price.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("first slot price = %s", session.Slots[0].Price)
	}

	status, body = c.do(http.MethodPost, "/api/views/buyer/click", "buyer", map[string]int{"slot": 0})
	if status != http.StatusCreated {
		t.Fatalf("click: %d %s", status, body)
	}
	var click struct {
		Kind         string `json:"kind"`
		Confirmation struct {
			ID string `json:"id"`
		} `json:"confirmation"`
	}
	if err := json.Unmarshal(body, &click); err != nil || click.Kind != "confirmation" {
		t.Fatalf("click = %s (%v)", body, err)
	}

	// Someone else cannot settle the buyer's confirmation.
	if status, _ := c.do(http.MethodPost, "/api/confirmations/"+click.Confirmation.ID+"/confirm", "thief", nil); status < 400 {
		t.Fatalf("foreign confirm status = %d", status)
	}
	status, body = c.do(http.MethodPost, "/api/confirmations/"+click.Confirmation.ID+"/confirm", "buyer", nil)
	if status != http.StatusOK {
		t.Fatalf("confirm: %d %s", status, body)
	}
	if status, _ := c.do(http.MethodPost, "/api/confirmations/"+click.Confirmation.ID+"/confirm", "buyer", nil); status < 400 {
		t.Fatalf("second confirm status = %d", status)
	}

	// The one-step purchase cannot claim a black market price.
	status, body = c.do(http.MethodPost, "/api/purchases", "buyer", map[string]string{
		"listing_id": session.Slots[1].ListingID,
		"mode":       "black_market",
	})
	if status != http.StatusOK {
		t.Fatalf("purchase: %d %s", status, body)
	}
	var receipt struct {
		Price       decimal.Decimal `json:"price"`
		BlackMarket bool            `json:"black_market"`
	}
	if err := json.Unmarshal(body, &receipt); err != nil || receipt.BlackMarket || !receipt.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("receipt = %s (%v)", body, err)
	}

	// Black market: clicking a sampled slot buys at half price.
	if status, body := c.do(http.MethodPost, "/api/listings", "seller", map[string]any{
		"item":  map[string]any{"material": "elytra", "amount": 1},
		"price": "60",
	}); status != http.StatusCreated {
		t.Fatalf("create listing: %d %s", status, body)
	}
	status, body = c.do(http.MethodPost, "/api/views", "buyer", map[string]any{"mode": "black_market"})
	if status != http.StatusOK {
		t.Fatalf("open black market: %d %s", status, body)
	}
	status, body = c.do(http.MethodPost, "/api/views/buyer/click", "buyer", map[string]int{"slot": 0})
	if status != http.StatusCreated || json.Unmarshal(body, &click) != nil {
		t.Fatalf("black market click: %d %s", status, body)
	}
	status, body = c.do(http.MethodPost, "/api/confirmations/"+click.Confirmation.ID+"/confirm", "buyer", nil)
	if status != http.StatusOK {
		t.Fatalf("black market confirm: %d %s", status, body)
	}

	// 500 - 80 - 100 - 30
	if got := game.balance("buyer"); !got.Equal(decimal.NewFromInt(290)) {
		t.Fatalf("buyer balance = %s, want 290", got)
	}
	if got := game.balance("seller"); !got.Equal(decimal.NewFromInt(210)) {
		t.Fatalf("seller balance = %s, want 210", got)
	}
	game.mu.Lock()
	granted := len(game.granted["buyer"])
	game.mu.Unlock()
	if granted != 3 {
		t.Fatalf("granted %d items", granted)
	}

	status, body = c.do(http.MethodGet, "/api/listings", "buyer", nil)
	var page struct {
		Total int `json:"total"`
	}
	if status != http.StatusOK || json.Unmarshal(body, &page) != nil || page.Total != 0 {
		t.Fatalf("active listings after purchase: %d %s", status, body)
	}

	status, body = c.do(http.MethodGet, "/api/players/seller/transactions?role=sell", "seller", nil)
	var txs struct {
		Total        int `json:"total"`
		Transactions []struct {
			BlackMarket bool   `json:"black_market"`
			Label       string `json:"label"`
		} `json:"transactions"`
	}
	if status != http.StatusOK || json.Unmarshal(body, &txs) != nil || txs.Total != 3 {
		t.Fatalf("seller history: %d %s", status, body)
	}
	if !txs.Transactions[0].BlackMarket {
		t.Fatalf("newest transaction not flagged black market: %s", body)
	}
}

func TestSweepModeRunsOnce(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Mode = "sweep"
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Mode = "trade"
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer a.Close()

	if err := a.Run(context.Background()); err == nil {
		t.Fatal("unknown mode accepted")
	}
}
