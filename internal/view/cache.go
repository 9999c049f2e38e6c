package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/service"
)

// Source supplies listings. *service.ListingService satisfies it.
type Source interface {
	CountActive(ctx context.Context) (int, error)
	ListActive(ctx context.Context, page, size int) (service.ListingPage, error)
	SampleBlackMarket(ctx context.Context, n int) ([]domain.Listing, error)
}

// Janitor removes a listing whose payload no longer decodes. A Source that
// also implements it gets such listings cleaned up as soon as a render hits
// them.
type Janitor interface {
	RemoveCorrupt(ctx context.Context, l domain.Listing) error
}

// Display is the front end a session is pushed to. Show must not block.
// Showing reports whether the player still has sessionID in the foreground.
type Display interface {
	Show(playerID string, s Session)
	Showing(playerID, sessionID string) bool
}

// Config configures a Cache.
type Config struct {
	BlackMarketSize     int
	BlackMarketDiscount decimal.Decimal
}

// Cache owns every open session. Session state is only touched by the Run
// goroutine; fetches happen on the caller's goroutine and the result is
// installed only if no newer Open or Close for the player happened since.
type Cache struct {
	src     Source
	codec   domain.Codec
	display Display
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	cmds    chan func()
	refresh chan struct{}
	stopped chan struct{}

	// Owned by Run.
	sessions map[string]*Session
	gen      map[string]uint64
	inflight map[string]int // Opens between their gen bump and install
}

var _ service.ViewRefresher = (*Cache)(nil)

// NewCache creates a Cache. Call Run before using it.
func NewCache(src Source, codec domain.Codec, display Display, cfg Config, logger *slog.Logger) *Cache {
	if cfg.BlackMarketSize <= 0 {
		cfg.BlackMarketSize = 10
	}
	if cfg.BlackMarketDiscount.IsZero() {
		cfg.BlackMarketDiscount = decimal.NewFromFloat(0.5)
	}
	return &Cache{
		src:      src,
		codec:    codec,
		display:  display,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "view_cache")),
		cmds:     make(chan func()),
		refresh:  make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		sessions: make(map[string]*Session),
		gen:      make(map[string]uint64),
		inflight: make(map[string]int),
	}
}

// Run processes commands until ctx is cancelled. Refresh requests are
// coalesced and handled one pass at a time.
func (c *Cache) Run(ctx context.Context) error {
	defer close(c.stopped)
	go c.refreshLoop(ctx)
	c.logger.InfoContext(ctx, "view cache started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.cmds:
			fn()
		}
	}
}

func (c *Cache) refreshLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.refresh:
			if _, _, err := c.RefreshAll(ctx); err != nil && ctx.Err() == nil {
				c.logger.WarnContext(ctx, "refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RequestRefresh schedules a RefreshAll without blocking.
func (c *Cache) RequestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// exec runs fn on the Run goroutine and waits for it.
func (c *Cache) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return errors.New("view cache stopped")
	}
	<-done
	return nil
}

// Open renders page of mode for playerID and makes it the player's session.
// Normal-mode pages are clamped to the available range.
func (c *Cache) Open(ctx context.Context, playerID string, mode domain.ViewMode, page int) (Session, error) {
	if playerID == "" || !mode.Valid() {
		return Session{}, fmt.Errorf("view: open: player %q mode %q: %w", playerID, mode, domain.ErrInvalidInput)
	}

	var gen uint64
	if err := c.exec(ctx, func() {
		c.gen[playerID]++
		gen = c.gen[playerID]
		c.inflight[playerID]++
	}); err != nil {
		return Session{}, fmt.Errorf("view: open: %w", err)
	}

	s, err := c.build(ctx, playerID, mode, page)
	if err != nil {
		_ = c.exec(context.WithoutCancel(ctx), func() { c.done(playerID) })
		return Session{}, fmt.Errorf("view: open: %w", err)
	}

	installed := false
	if err := c.exec(context.WithoutCancel(ctx), func() {
		c.done(playerID)
		if c.gen[playerID] != gen {
			return
		}
		c.sessions[playerID] = &s
		c.display.Show(playerID, s)
		installed = true
	}); err != nil {
		return Session{}, fmt.Errorf("view: open: %w", err)
	}
	if !installed {
		return Session{}, fmt.Errorf("view: open %s: %w", playerID, ErrSuperseded)
	}
	return s, nil
}

func (c *Cache) done(playerID string) {
	if c.inflight[playerID] <= 1 {
		delete(c.inflight, playerID)
		return
	}
	c.inflight[playerID]--
}

// Paginate moves a normal-mode session one page. It never wraps.
func (c *Cache) Paginate(ctx context.Context, playerID string, dir Direction) (Session, error) {
	cur, ok, err := c.Get(ctx, playerID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, fmt.Errorf("view: paginate: no session for %s: %w", playerID, domain.ErrNotFound)
	}
	if cur.Mode != domain.ViewNormal {
		return Session{}, fmt.Errorf("view: paginate: %s view: %w", cur.Mode, domain.ErrInvalidOperation)
	}

	target := cur.Page
	switch dir {
	case Next:
		target++
	case Prev:
		target--
	default:
		return Session{}, fmt.Errorf("view: paginate: direction %q: %w", dir, domain.ErrInvalidInput)
	}

	total, err := c.src.CountActive(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("view: paginate: %w", err)
	}
	if bound := service.PageCount(total, PageSize); target < 1 || target > bound {
		return Session{}, fmt.Errorf("view: paginate: page %d of %d: %w", target, bound, domain.ErrInvalidInput)
	}
	return c.Open(ctx, playerID, domain.ViewNormal, target)
}

// Get returns a copy of the player's session.
func (c *Cache) Get(ctx context.Context, playerID string) (Session, bool, error) {
	var (
		s  Session
		ok bool
	)
	err := c.exec(ctx, func() {
		if cur := c.sessions[playerID]; cur != nil {
			s, ok = *cur, true
		}
	})
	return s, ok, err
}

// Resolve maps a clicked slot to its target. ok is false for slots that
// show nothing; such clicks are ignored.
func (c *Cache) Resolve(ctx context.Context, playerID string, slot int) (Target, bool, error) {
	var (
		t  Target
		ok bool
	)
	err := c.exec(ctx, func() {
		if cur := c.sessions[playerID]; cur != nil {
			t, ok = cur.resolve(slot)
		}
	})
	return t, ok, err
}

// Offered reports the mode of the player's current view when listingID is one
// of its slots.
func (c *Cache) Offered(ctx context.Context, playerID, listingID string) (domain.ViewMode, bool, error) {
	var (
		mode domain.ViewMode
		ok   bool
	)
	err := c.exec(ctx, func() {
		cur := c.sessions[playerID]
		if cur == nil {
			return
		}
		for _, sl := range cur.Slots {
			if sl.ListingID == listingID {
				mode, ok = cur.Mode, true
				return
			}
		}
	})
	return mode, ok, err
}

// Close forgets the player's session and cancels any Open in flight.
func (c *Cache) Close(ctx context.Context, playerID string) error {
	return c.exec(ctx, func() {
		delete(c.sessions, playerID)
		c.gen[playerID]++
	})
}

// Len returns the number of tracked sessions.
func (c *Cache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.exec(ctx, func() { n = len(c.sessions) })
	return n, err
}

// RefreshAll re-renders every session its player still shows and prunes the
// rest. A refresh never displaces a player's own Open: players with an Open in
// flight are skipped, and a re-render is dropped if an Open or Close for the
// player happened while it was being built.
func (c *Cache) RefreshAll(ctx context.Context) (refreshed, pruned int, err error) {
	type entry struct {
		s   Session
		gen uint64
	}
	var snapshot []entry
	if err := c.exec(ctx, func() {
		for p, s := range c.sessions {
			if c.inflight[p] > 0 {
				continue
			}
			snapshot = append(snapshot, entry{s: *s, gen: c.gen[p]})
		}
	}); err != nil {
		return 0, 0, err
	}

	var errs []error
	for _, e := range snapshot {
		p := e.s.PlayerID
		if !c.display.Showing(p, e.s.ID) {
			if err := c.exec(ctx, func() {
				if cur := c.sessions[p]; cur != nil && cur.ID == e.s.ID {
					delete(c.sessions, p)
					pruned++
				}
			}); err != nil {
				return refreshed, pruned, err
			}
			continue
		}

		s, err := c.build(ctx, p, e.s.Mode, e.s.Page)
		if err != nil {
			errs = append(errs, fmt.Errorf("view: refresh %s: %w", p, err))
			continue
		}
		installed := false
		if err := c.exec(ctx, func() {
			if c.gen[p] != e.gen || c.inflight[p] > 0 {
				return
			}
			c.sessions[p] = &s
			c.display.Show(p, s)
			installed = true
		}); err != nil {
			return refreshed, pruned, err
		}
		if installed {
			refreshed++
		}
	}
	return refreshed, pruned, errors.Join(errs...)
}

func (c *Cache) build(ctx context.Context, playerID string, mode domain.ViewMode, page int) (Session, error) {
	s := Session{
		ID:       uuid.NewString(),
		PlayerID: playerID,
		Mode:     mode,
		Page:     1,
		Pages:    1,
	}

	var listings []domain.Listing
	if mode == domain.ViewBlackMarket {
		ls, err := c.src.SampleBlackMarket(ctx, c.cfg.BlackMarketSize)
		if err != nil {
			return Session{}, err
		}
		listings = ls
	} else {
		// The count can change between the bound check and the page query;
		// one retry with a fresh bound covers that.
		var lp service.ListingPage
		var err error
		for attempt := 0; attempt < 2; attempt++ {
			var total int
			total, err = c.src.CountActive(ctx)
			if err != nil {
				return Session{}, err
			}
			p := min(max(page, 1), service.PageCount(total, PageSize))
			lp, err = c.src.ListActive(ctx, p, PageSize)
			if !errors.Is(err, domain.ErrInvalidInput) {
				break
			}
		}
		if err != nil {
			return Session{}, err
		}
		listings = lp.Listings
		s.Page, s.Pages = lp.Page, lp.Pages
		s.HasPrev = s.Page > 1
		s.HasNext = s.Page < s.Pages
	}

	s.Slots = make([]Slot, 0, len(listings))
	var corrupt []domain.Listing
	for _, l := range listings {
		item, err := c.codec.Decode(l.Item)
		if err != nil {
			c.logger.WarnContext(ctx, "skipping undecodable listing",
				slog.String("listing_id", l.ID),
				slog.String("seller_id", l.SellerID),
			)
			corrupt = append(corrupt, l)
			continue
		}
		s.Slots = append(s.Slots, Slot{
			Index:       len(s.Slots),
			ListingID:   l.ID,
			SellerID:    l.SellerID,
			Item:        item,
			Price:       domain.EffectivePrice(l, mode, c.cfg.BlackMarketDiscount),
			ListedPrice: l.Price,
			ExpiresAt:   l.ExpiresAt,
		})
	}
	s.RenderedAt = c.now().UTC()
	c.removeCorrupt(ctx, corrupt)
	return s, nil
}

// removeCorrupt drops undecodable listings from the store so they stop
// occupying page positions, then schedules a re-render.
func (c *Cache) removeCorrupt(ctx context.Context, ls []domain.Listing) {
	j, ok := c.src.(Janitor)
	if !ok || len(ls) == 0 {
		return
	}
	removed := 0
	for _, l := range ls {
		if err := j.RemoveCorrupt(ctx, l); err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				c.logger.ErrorContext(ctx, "remove corrupt listing failed",
					slog.String("listing_id", l.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		c.RequestRefresh()
	}
}
