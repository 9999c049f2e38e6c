package purchase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/playermarket/internal/codec"
	"github.com/alanyoungcy/playermarket/internal/domain"
	"github.com/alanyoungcy/playermarket/internal/notify"
	"github.com/alanyoungcy/playermarket/internal/service"
	"github.com/alanyoungcy/playermarket/internal/store/sqlite"
)

var errBank = errors.New("bank offline")

type bank struct {
	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	withdraws int
	// failDeposit makes the next n deposits to a player fail.
	failDeposit  map[string]int
	failWithdraw map[string]int
}

func newBank(balances map[string]string) *bank {
	b := &bank{
		balances:     map[string]decimal.Decimal{},
		failDeposit:  map[string]int{},
		failWithdraw: map[string]int{},
	}
	for k, v := range balances {
		b.balances[k] = decimal.RequireFromString(v)
	}
	return b
}

func (b *bank) Balance(_ context.Context, id string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[id], nil
}

func (b *bank) HasFunds(ctx context.Context, id string, amt decimal.Decimal) (bool, error) {
	bal, _ := b.Balance(ctx, id)
	return bal.GreaterThanOrEqual(amt), nil
}

func (b *bank) Withdraw(_ context.Context, id string, amt decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWithdraw[id] > 0 {
		b.failWithdraw[id]--
		return errBank
	}
	if b.balances[id].LessThan(amt) {
		return domain.ErrInsufficientFunds
	}
	b.balances[id] = b.balances[id].Sub(amt)
	b.withdraws++
	return nil
}

func (b *bank) Deposit(_ context.Context, id string, amt decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDeposit[id] > 0 {
		b.failDeposit[id]--
		return errBank
	}
	b.balances[id] = b.balances[id].Add(amt)
	return nil
}

func (b *bank) balance(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[id].String()
}

type inventory struct {
	mu       sync.Mutex
	capacity map[string]int // missing means unlimited
	granted  map[string][]domain.Item
}

func (inv *inventory) Grant(_ context.Context, id string, item domain.Item) ([]domain.Item, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if c, ok := inv.capacity[id]; ok && item.Amount > c {
		rem := item
		rem.Amount = item.Amount - c
		return []domain.Item{rem}, nil
	}
	if inv.granted == nil {
		inv.granted = map[string][]domain.Item{}
	}
	inv.granted[id] = append(inv.granted[id], item)
	return nil, nil
}

type presence map[string]bool

func (p presence) Online(_ context.Context, id string) (bool, error) {
	on, ok := p[id]
	return !ok || on, nil
}

type announcements struct {
	mu     sync.Mutex
	events []string
}

func (a *announcements) Enqueue(event, _, _ string) bool {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return true
}

// offers records which view mode each buyer sees a listing in.
type offers struct {
	mu    sync.Mutex
	modes map[string]domain.ViewMode // buyer/listing -> mode
}

func (o *offers) show(buyer, listing string, mode domain.ViewMode) {
	o.mu.Lock()
	o.modes[buyer+"/"+listing] = mode
	o.mu.Unlock()
}

func (o *offers) Offered(_ context.Context, buyer, listing string) (domain.ViewMode, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.modes[buyer+"/"+listing]
	return m, ok, nil
}

type fixture struct {
	offers   *offers
	codec    *codec.Codec
	listings *service.ListingService
	ledger   *service.LedgerService
	audit    *sqlite.AuditStore
	bank     *bank
	inv      *inventory
	online   presence
	announce *announcements
	registry *Registry
	coord    *Coordinator
}

func newFixture(t *testing.T, balances map[string]string) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	c, err := codec.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ls, ps := sqlite.NewListingStore(db), sqlite.NewPlayerStore(db)
	f := &fixture{
		offers:   &offers{modes: map[string]domain.ViewMode{}},
		codec:    c,
		listings: service.NewListingService(ls, ps, c, nil, service.ListingConfig{}, logger),
		ledger:   service.NewLedgerService(ps, ls, nil, logger),
		audit:    sqlite.NewAuditStore(db),
		bank:     newBank(balances),
		inv:      &inventory{capacity: map[string]int{}},
		online:   presence{},
		announce: &announcements{},
		registry: NewRegistry(time.Minute, logger),
	}
	f.coord = NewCoordinator(Deps{
		Listings:  f.listings,
		Ledger:    f.ledger,
		Codec:     c,
		Economy:   f.bank,
		Inventory: f.inv,
		Presence:  f.online,
		Registry:  f.registry,
		Audit:     f.audit,
		Events:    service.NewEventPublisher(nil, logger),
		Announcer: f.announce,
		Offers:    f.offers,
	}, Config{}, logger)
	return f
}

func (f *fixture) list(t *testing.T, seller, price string) domain.Listing {
	t.Helper()
	payload, err := f.codec.Encode(domain.Item{Material: "diamond", Amount: 3})
	if err != nil {
		t.Fatal(err)
	}
	l, err := f.listings.Create(context.Background(), seller, payload, decimal.RequireFromString(price))
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func (f *fixture) txCount(t *testing.T, player string) int {
	t.Helper()
	rec, err := f.ledger.Get(context.Background(), player)
	if err != nil {
		t.Fatal(err)
	}
	return len(rec.Transactions)
}

func (f *fixture) listingExists(t *testing.T, id string) bool {
	t.Helper()
	_, err := f.listings.GetByID(context.Background(), id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		t.Fatal(err)
	}
	return err == nil
}

func TestPurchaseNormal(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "150", "seller": "0"})
	l := f.list(t, "seller", "100")

	r, err := f.coord.Purchase(context.Background(), "buyer", l.ID)
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if r.BlackMarket || !r.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("receipt = %+v", r)
	}
	if f.bank.balance("buyer") != "50" || f.bank.balance("seller") != "100" {
		t.Fatalf("balances buyer=%s seller=%s", f.bank.balance("buyer"), f.bank.balance("seller"))
	}
	if f.listingExists(t, l.ID) {
		t.Fatal("listing still present")
	}
	if f.txCount(t, "buyer") != 1 || f.txCount(t, "seller") != 1 {
		t.Fatal("expected one transaction per party")
	}
	rec, _ := f.ledger.Get(context.Background(), "buyer")
	if rec.Transactions[0].BlackMarket {
		t.Fatal("normal purchase recorded as black market")
	}
	if len(f.inv.granted["buyer"]) != 1 || f.inv.granted["buyer"][0].Material != "diamond" {
		t.Fatalf("granted = %v", f.inv.granted)
	}
}

func TestPurchaseBlackMarketHalfPrice(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "150", "seller": "0"})
	l := f.list(t, "seller", "100")
	f.offers.show("buyer", l.ID, domain.ViewBlackMarket)

	conf, err := f.coord.Begin(context.Background(), "buyer", l.ID, domain.ViewBlackMarket)
	if err != nil {
		t.Fatal(err)
	}
	if !conf.Price.Equal(decimal.NewFromInt(50)) || conf.State != StatePending {
		t.Fatalf("confirmation = %+v", conf)
	}
	r, err := f.coord.Confirm(context.Background(), "buyer", conf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !r.BlackMarket || f.bank.balance("buyer") != "100" || f.bank.balance("seller") != "50" {
		t.Fatalf("receipt=%+v buyer=%s seller=%s", r, f.bank.balance("buyer"), f.bank.balance("seller"))
	}
	stored, _ := f.ledger.Get(context.Background(), "seller")
	if !stored.Transactions[0].BlackMarket {
		t.Fatal("black market flag not recorded")
	}
}

func TestBlackMarketPriceNeedsBlackMarketView(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "150", "seller": "0"})
	ctx := context.Background()
	l := f.list(t, "seller", "100")

	// Never shown to the buyer.
	if _, err := f.coord.Begin(ctx, "buyer", l.ID, domain.ViewBlackMarket); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("unseen listing err = %v", err)
	}
	// Shown, but in the normal view.
	f.offers.show("buyer", l.ID, domain.ViewNormal)
	if _, err := f.coord.Begin(ctx, "buyer", l.ID, domain.ViewBlackMarket); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("normal view listing err = %v", err)
	}
	// Another player's black market view does not count.
	f.offers.show("other", l.ID, domain.ViewBlackMarket)
	if _, err := f.coord.Begin(ctx, "buyer", l.ID, domain.ViewBlackMarket); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("foreign view err = %v", err)
	}
	if f.bank.balance("buyer") != "150" || !f.listingExists(t, l.ID) || f.registry.Len() != 0 {
		t.Fatal("rejected black market attempt had side effects")
	}

	// The one-step purchase always charges the listed price.
	r, err := f.coord.Purchase(ctx, "buyer", l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.BlackMarket || !r.Price.Equal(decimal.NewFromInt(100)) || f.bank.balance("buyer") != "50" {
		t.Fatalf("receipt=%+v buyer=%s", r, f.bank.balance("buyer"))
	}
}

func TestConcurrentBuyersOneWinner(t *testing.T) {
	const buyers = 12
	balances := map[string]string{"seller": "0"}
	for i := 0; i < buyers; i++ {
		balances[fmt.Sprintf("b%d", i)] = "150"
	}
	f := newFixture(t, balances)
	l := f.list(t, "seller", "100")

	var wg sync.WaitGroup
	errs := make([]error, buyers)
	start := make(chan struct{})
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.coord.Purchase(context.Background(), fmt.Sprintf("b%d", i), l.ID)
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrNotFound):
		default:
			t.Fatalf("buyer %d: unexpected error %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d", wins)
	}
	if f.bank.withdraws != 1 || f.bank.balance("seller") != "100" {
		t.Fatalf("withdraws=%d seller=%s", f.bank.withdraws, f.bank.balance("seller"))
	}
}

func TestSelfPurchaseRejected(t *testing.T) {
	f := newFixture(t, map[string]string{"seller": "500"})
	l := f.list(t, "seller", "100")
	_, err := f.coord.Purchase(context.Background(), "seller", l.ID)
	if !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("err = %v", err)
	}
	if !f.listingExists(t, l.ID) {
		t.Fatal("listing removed")
	}
}

func TestInsufficientFunds(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "99", "seller": "0"})
	l := f.list(t, "seller", "100")
	_, err := f.coord.Purchase(context.Background(), "buyer", l.ID)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err = %v", err)
	}
	if f.bank.balance("buyer") != "99" || !f.listingExists(t, l.ID) {
		t.Fatal("side effects on insufficient funds")
	}
}

func TestBuyerOffline(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "500"})
	f.online["buyer"] = false
	l := f.list(t, "seller", "100")
	_, err := f.coord.Purchase(context.Background(), "buyer", l.ID)
	if !errors.Is(err, domain.ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if !f.listingExists(t, l.ID) {
		t.Fatal("listing removed")
	}
}

func TestMissingListing(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coord.Begin(context.Background(), "buyer", "8d7f2d4e-8f8a-4a51-9d55-5f0c1b9e2a11", domain.ViewNormal)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestInsufficientCapacityReverses(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "150", "seller": "10"})
	f.inv.capacity["buyer"] = 1
	l := f.list(t, "seller", "100")

	_, err := f.coord.Purchase(context.Background(), "buyer", l.ID)
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("err = %v", err)
	}
	if f.bank.balance("buyer") != "150" || f.bank.balance("seller") != "10" {
		t.Fatalf("balances buyer=%s seller=%s", f.bank.balance("buyer"), f.bank.balance("seller"))
	}
	if !f.listingExists(t, l.ID) {
		t.Fatal("listing not restored")
	}
	rec, _ := f.ledger.Get(context.Background(), "seller")
	if !rec.HasListing(l.ID) || len(rec.Transactions) != 0 {
		t.Fatalf("seller record = %+v", rec)
	}
}

func TestSellerDepositFailureRefundsBuyer(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "150", "seller": "0"})
	f.bank.failDeposit["seller"] = 1
	l := f.list(t, "seller", "100")

	_, err := f.coord.Purchase(context.Background(), "buyer", l.ID)
	if !errors.Is(err, errBank) || errors.Is(err, domain.ErrCompensationFailed) {
		t.Fatalf("err = %v", err)
	}
	if f.bank.balance("buyer") != "150" || f.bank.balance("seller") != "0" {
		t.Fatalf("balances buyer=%s seller=%s", f.bank.balance("buyer"), f.bank.balance("seller"))
	}
	if !f.listingExists(t, l.ID) {
		t.Fatal("listing not restored")
	}
}

func TestCompensationFailureEscalates(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "150", "seller": "0"})
	f.bank.failDeposit["seller"] = 1
	f.bank.failDeposit["buyer"] = 1
	l := f.list(t, "seller", "100")

	_, err := f.coord.Purchase(context.Background(), "buyer", l.ID)
	if !errors.Is(err, domain.ErrCompensationFailed) {
		t.Fatalf("err = %v", err)
	}

	entries, aerr := f.audit.List(context.Background(), domain.ListOpts{Limit: 10})
	if aerr != nil {
		t.Fatal(aerr)
	}
	found := false
	for _, e := range entries {
		if e.Event == "purchase.compensation_failed" && e.Detail["stage"] == "refund_buyer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("audit entries = %+v", entries)
	}
	urgent := false
	for _, ev := range f.announce.events {
		if ev == notify.EventUrgent {
			urgent = true
		}
	}
	if !urgent {
		t.Fatalf("announcements = %v", f.announce.events)
	}
}

func TestCancelThenConfirmIsStale(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "150"})
	l := f.list(t, "seller", "100")
	ctx := context.Background()

	conf, err := f.coord.Begin(ctx, "buyer", l.ID, domain.ViewNormal)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Cancel(ctx, "buyer", conf.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Confirm(ctx, "buyer", conf.ID); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("confirm after cancel: %v", err)
	}
	if err := f.coord.Close(ctx, "buyer", conf.ID); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("close after cancel: %v", err)
	}
	if f.bank.balance("buyer") != "150" || !f.listingExists(t, l.ID) {
		t.Fatal("cancel had side effects")
	}
}

func TestConfirmTwiceIsStale(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "500"})
	l := f.list(t, "seller", "100")
	ctx := context.Background()

	conf, _ := f.coord.Begin(ctx, "buyer", l.ID, domain.ViewNormal)
	if _, err := f.coord.Confirm(ctx, "buyer", conf.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.Confirm(ctx, "buyer", conf.ID); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("second confirm: %v", err)
	}
	if f.bank.balance("buyer") != "400" {
		t.Fatalf("buyer charged twice: %s", f.bank.balance("buyer"))
	}
}

func TestConfirmLatchUnderRace(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "500"})
	l := f.list(t, "seller", "100")
	ctx := context.Background()
	conf, _ := f.coord.Begin(ctx, "buyer", l.ID, domain.ViewNormal)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			switch i % 3 {
			case 0:
				_, err = f.coord.Confirm(ctx, "buyer", conf.ID)
			case 1:
				err = f.coord.Cancel(ctx, "buyer", conf.ID)
			default:
				err = f.coord.Close(ctx, "buyer", conf.ID)
			}
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if ok != 1 {
		t.Fatalf("%d inputs took effect", ok)
	}
}

func TestCorruptPayloadRemovesListing(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "500"})
	l, err := f.listings.Create(context.Background(), "seller", []byte("garbage"), decimal.NewFromInt(5))
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.coord.Begin(context.Background(), "buyer", l.ID, domain.ViewNormal)
	if !errors.Is(err, domain.ErrPayloadCorrupt) {
		t.Fatalf("err = %v", err)
	}
	if f.listingExists(t, l.ID) {
		t.Fatal("corrupt listing kept")
	}
}

func TestOtherPlayerCannotConfirm(t *testing.T) {
	f := newFixture(t, map[string]string{"buyer": "500", "thief": "500"})
	l := f.list(t, "seller", "100")
	conf, _ := f.coord.Begin(context.Background(), "buyer", l.ID, domain.ViewNormal)
	if _, err := f.coord.Confirm(context.Background(), "thief", conf.ID); !errors.Is(err, domain.ErrInvalidOperation) {
		t.Fatalf("err = %v", err)
	}
}
