package view

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/codec"
	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/service"
)

type memSource struct {
	mu       sync.Mutex
	listings []domain.Listing // newest first
	gate     chan struct{}    // when set, ListActive waits on it
	entered  chan struct{}    // signalled when ListActive starts waiting
	cleaned  []string         // ids passed to RemoveCorrupt
}

func (m *memSource) CountActive(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listings), nil
}

func (m *memSource) ListActive(ctx context.Context, page, size int) (service.ListingPage, error) {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return service.ListingPage{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pages := service.PageCount(len(m.listings), size)
	if page < 1 || page > pages {
		return service.ListingPage{}, domain.ErrInvalidInput
	}
	start := (page - 1) * size
	end := min(start+size, len(m.listings))
	return service.ListingPage{
		Listings: append([]domain.Listing(nil), m.listings[start:end]...),
		Page:     page,
		Pages:    pages,
		Total:    len(m.listings),
	}, nil
}

func (m *memSource) SampleBlackMarket(_ context.Context, n int) ([]domain.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Listing(nil), m.listings[:min(n, len(m.listings))]...), nil
}

func (m *memSource) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listings {
		if l.ID == id {
			m.listings = append(m.listings[:i], m.listings[i+1:]...)
			return
		}
	}
}

func (m *memSource) RemoveCorrupt(_ context.Context, l domain.Listing) error {
	m.remove(l.ID)
	m.mu.Lock()
	m.cleaned = append(m.cleaned, l.ID)
	m.mu.Unlock()
	return nil
}

func (m *memSource) setGate(gate, entered chan struct{}) {
	m.mu.Lock()
	m.gate, m.entered = gate, entered
	m.mu.Unlock()
}

type memDisplay struct {
	mu      sync.Mutex
	shown   map[string]Session
	hidden  map[string]bool
	renders int
}

func newMemDisplay() *memDisplay {
	return &memDisplay{shown: map[string]Session{}, hidden: map[string]bool{}}
}

func (d *memDisplay) Show(playerID string, s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown[playerID] = s
	d.renders++
}

func (d *memDisplay) Showing(playerID, sessionID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.hidden[playerID] && d.shown[playerID].ID == sessionID
}

func (d *memDisplay) hide(playerID string) {
	d.mu.Lock()
	d.hidden[playerID] = true
	d.mu.Unlock()
}

func (d *memDisplay) renderCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renders
}

func newTestCache(t *testing.T, n int) (*Cache, *memSource, *memDisplay) {
	t.Helper()
	c, err := codec.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	payload, err := c.Encode(domain.Item{Material: "emerald", Amount: 1})
	if err != nil {
		t.Fatal(err)
	}
	src := &memSource{}
	now := time.Now()
	for i := 0; i < n; i++ {
		src.listings = append(src.listings, domain.Listing{
			ID:        fmt.Sprintf("l%03d", i),
			SellerID:  "seller",
			Item:      payload,
			Price:     decimal.NewFromInt(int64(10 + i)),
			ListedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		})
	}
	display := newMemDisplay()
	cache := NewCache(src, c, display, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = cache.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cache, src, display
}

func TestOpenNormalPages(t *testing.T) {
	cache, _, display := newTestCache(t, 100)
	ctx := context.Background()

	s, err := cache.Open(ctx, "p", domain.ViewNormal, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Slots) != PageSize || s.Pages != 3 || s.HasPrev || !s.HasNext {
		t.Fatalf("page 1 = %d slots, pages=%d prev=%v next=%v", len(s.Slots), s.Pages, s.HasPrev, s.HasNext)
	}
	if s.Slots[0].ListingID != "l000" || !s.Slots[0].Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("first slot = %+v", s.Slots[0])
	}
	if display.shown["p"].ID != s.ID {
		t.Fatal("session not pushed to display")
	}

	// Out-of-range pages clamp on open.
	s, err = cache.Open(ctx, "p", domain.ViewNormal, 99)
	if err != nil || s.Page != 3 || len(s.Slots) != 10 {
		t.Fatalf("clamped open = page %d, %d slots, %v", s.Page, len(s.Slots), err)
	}
}

func TestPaginateBounds(t *testing.T) {
	cache, _, _ := newTestCache(t, 50)
	ctx := context.Background()

	if _, err := cache.Paginate(ctx, "p", Next); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("no session err = %v", err)
	}
	if _, err := cache.Open(ctx, "p", domain.ViewNormal, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Paginate(ctx, "p", Prev); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("prev from page 1 err = %v", err)
	}
	s, err := cache.Paginate(ctx, "p", Next)
	if err != nil || s.Page != 2 || len(s.Slots) != 5 {
		t.Fatalf("next = page %d, %d slots, %v", s.Page, len(s.Slots), err)
	}
	if _, err := cache.Paginate(ctx, "p", Next); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("next past end err = %v", err)
	}
}

func TestBlackMarketView(t *testing.T) {
	cache, _, _ := newTestCache(t, 20)
	ctx := context.Background()

	s, err := cache.Open(ctx, "p", domain.ViewBlackMarket, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Slots) != 10 || s.HasNext || s.HasPrev {
		t.Fatalf("black market = %d slots", len(s.Slots))
	}
	for _, sl := range s.Slots {
		if !sl.Price.Mul(decimal.NewFromInt(2)).Equal(sl.ListedPrice) {
			t.Fatalf("slot %d price %s listed %s", sl.Index, sl.Price, sl.ListedPrice)
		}
	}
	if _, err := cache.Paginate(ctx, "p", Next); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("paginate black market err = %v", err)
	}
}

func TestResolve(t *testing.T) {
	cache, _, _ := newTestCache(t, 50)
	ctx := context.Background()
	s, _ := cache.Open(ctx, "p", domain.ViewNormal, 1)

	tgt, ok, err := cache.Resolve(ctx, "p", 3)
	if err != nil || !ok || tgt.Kind != TargetListing || tgt.ListingID != s.Slots[3].ListingID || tgt.Mode != domain.ViewNormal {
		t.Fatalf("resolve 3 = %+v %v %v", tgt, ok, err)
	}
	if tgt, ok, _ := cache.Resolve(ctx, "p", NextSlot); !ok || tgt.Kind != TargetNext {
		t.Fatalf("resolve next = %+v %v", tgt, ok)
	}
	if _, ok, _ := cache.Resolve(ctx, "p", PrevSlot); ok {
		t.Fatal("prev resolved on first page")
	}
	if _, ok, _ := cache.Resolve(ctx, "p", 50); ok {
		t.Fatal("empty slot resolved")
	}
	if _, ok, _ := cache.Resolve(ctx, "nobody", 0); ok {
		t.Fatal("resolved without session")
	}
}

func TestRefreshAllPrunesHidden(t *testing.T) {
	cache, src, display := newTestCache(t, 5)
	ctx := context.Background()
	if _, err := cache.Open(ctx, "a", domain.ViewNormal, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Open(ctx, "b", domain.ViewNormal, 1); err != nil {
		t.Fatal(err)
	}
	display.hide("b")
	src.remove("l000")

	refreshed, pruned, err := cache.RefreshAll(ctx)
	if err != nil || refreshed != 1 || pruned != 1 {
		t.Fatalf("refreshed=%d pruned=%d err=%v", refreshed, pruned, err)
	}
	if n, _ := cache.Len(ctx); n != 1 {
		t.Fatalf("sessions = %d", n)
	}
	s, ok, _ := cache.Get(ctx, "a")
	if !ok || len(s.Slots) != 4 || s.Slots[0].ListingID != "l001" {
		t.Fatalf("refreshed session = %+v", s)
	}
}

func TestRequestRefreshRuns(t *testing.T) {
	cache, _, display := newTestCache(t, 3)
	ctx := context.Background()
	if _, err := cache.Open(ctx, "a", domain.ViewNormal, 1); err != nil {
		t.Fatal(err)
	}
	before := display.renderCount()
	cache.RequestRefresh()

	deadline := time.Now().Add(2 * time.Second)
	for display.renderCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if display.renderCount() == before {
		t.Fatal("refresh request never re-rendered")
	}
}

func TestNewerOpenSupersedesInFlight(t *testing.T) {
	cache, src, display := newTestCache(t, 5)
	ctx := context.Background()

	gate := make(chan struct{})
	entered := make(chan struct{})
	src.mu.Lock()
	src.gate, src.entered = gate, entered
	src.mu.Unlock()

	slow := make(chan error, 1)
	go func() {
		_, err := cache.Open(ctx, "p", domain.ViewNormal, 1)
		slow <- err
	}()

	<-entered
	src.mu.Lock()
	src.gate, src.entered = nil, nil
	src.mu.Unlock()

	fast, err := cache.Open(ctx, "p", domain.ViewBlackMarket, 1)
	if err != nil {
		t.Fatal(err)
	}
	close(gate)

	if err := <-slow; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("slow open err = %v", err)
	}
	s, _, _ := cache.Get(ctx, "p")
	if s.ID != fast.ID || display.shown["p"].ID != fast.ID {
		t.Fatal("stale render replaced the newer session")
	}
}

func TestCloseDropsSession(t *testing.T) {
	cache, _, _ := newTestCache(t, 5)
	ctx := context.Background()
	if _, err := cache.Open(ctx, "p", domain.ViewNormal, 1); err != nil {
		t.Fatal(err)
	}
	if err := cache.Close(ctx, "p"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := cache.Get(ctx, "p"); ok {
		t.Fatal("session survived close")
	}
}

func TestRefreshSkipsPlayerWithOpenInFlight(t *testing.T) {
	cache, src, display := newTestCache(t, 100)
	ctx := context.Background()
	if _, err := cache.Open(ctx, "p", domain.ViewNormal, 1); err != nil {
		t.Fatal(err)
	}

	gate, entered := make(chan struct{}), make(chan struct{})
	src.setGate(gate, entered)
	turned := make(chan error, 1)
	go func() {
		_, err := cache.Open(ctx, "p", domain.ViewNormal, 2)
		turned <- err
	}()
	<-entered
	src.setGate(nil, nil)

	if _, _, err := cache.RefreshAll(ctx); err != nil {
		t.Fatal(err)
	}
	close(gate)

	if err := <-turned; err != nil {
		t.Fatalf("page turn during refresh: %v", err)
	}
	s, _, _ := cache.Get(ctx, "p")
	if s.Page != 2 || display.shown["p"].Page != 2 {
		t.Fatalf("session page %d, shown page %d", s.Page, display.shown["p"].Page)
	}
}

func TestStaleRefreshDroppedAfterOpen(t *testing.T) {
	cache, src, display := newTestCache(t, 100)
	ctx := context.Background()
	if _, err := cache.Open(ctx, "p", domain.ViewNormal, 1); err != nil {
		t.Fatal(err)
	}

	gate, entered := make(chan struct{}), make(chan struct{})
	src.setGate(gate, entered)
	type result struct {
		refreshed int
		err       error
	}
	refresh := make(chan result, 1)
	go func() {
		n, _, err := cache.RefreshAll(ctx)
		refresh <- result{n, err}
	}()
	<-entered
	src.setGate(nil, nil)

	turned, err := cache.Open(ctx, "p", domain.ViewNormal, 2)
	if err != nil {
		t.Fatalf("page turn during refresh: %v", err)
	}
	close(gate)

	r := <-refresh
	if r.err != nil || r.refreshed != 0 {
		t.Fatalf("refresh = %d, %v", r.refreshed, r.err)
	}
	s, _, _ := cache.Get(ctx, "p")
	if s.ID != turned.ID || display.shown["p"].Page != 2 {
		t.Fatalf("stale refresh replaced page 2: session page %d", s.Page)
	}
}

func TestOffered(t *testing.T) {
	cache, _, _ := newTestCache(t, 20)
	ctx := context.Background()
	s, err := cache.Open(ctx, "p", domain.ViewBlackMarket, 1)
	if err != nil {
		t.Fatal(err)
	}

	mode, ok, err := cache.Offered(ctx, "p", s.Slots[0].ListingID)
	if err != nil || !ok || mode != domain.ViewBlackMarket {
		t.Fatalf("offered = %s %v %v", mode, ok, err)
	}
	if _, ok, _ := cache.Offered(ctx, "p", "l015"); ok {
		t.Fatal("listing outside the view offered")
	}
	if _, ok, _ := cache.Offered(ctx, "other", s.Slots[0].ListingID); ok {
		t.Fatal("offered to a player without a view")
	}
}

func TestCorruptListingRemovedOnRender(t *testing.T) {
	cache, src, _ := newTestCache(t, 3)
	ctx := context.Background()
	now := time.Now()
	src.mu.Lock()
	src.listings = append([]domain.Listing{{
		ID:        "bad",
		SellerID:  "seller",
		Item:      []byte("not a payload"),
		Price:     decimal.NewFromInt(5),
		ListedAt:  now,
		ExpiresAt: now.Add(time.Hour),
	}}, src.listings...)
	src.mu.Unlock()

	s, err := cache.Open(ctx, "p", domain.ViewNormal, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Slots) != 3 || s.Slots[0].ListingID != "l000" {
		t.Fatalf("slots = %+v", s.Slots)
	}
	src.mu.Lock()
	cleaned, left := src.cleaned, len(src.listings)
	src.mu.Unlock()
	if len(cleaned) != 1 || cleaned[0] != "bad" || left != 3 {
		t.Fatalf("cleaned=%v left=%d", cleaned, left)
	}
}
