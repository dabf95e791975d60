package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig is a three-level grid on SOLUSDC anchored at 150. The level
// prices land exactly on the 0.01 tick (142.5, 136.5, 130.5) so every
// expectation below is an exact decimal.
func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.ExchangeConfig{DryRun: true},
		Grid: config.GridConfig{
			Pair:                "SOLUSDC",
			AnchorPrice:         150,
			LevelsPct:           []float64{-5, -9, -13},
			AllocWeights:        []float64{0.3, 0.3, 0.4},
			MaxGridCapitalQuote: 500,
			TPStartPct:          0.012,
			TPStepPct:           0.0008,
			TPMinPct:            0.006,
			TP2DeltaPct:         0.008,
			TP1Share:            0.5,
			TP2Share:            0.3,
			TrailShare:          0.2,
			TrailingCallbackPct: 0.004,
			HardStopMode:        string(types.HardStopNone),
			PlaceMode:           string(types.PlaceAllUnfilled),
			TimeTTLSec:          86400,
		},
		Orchestrator: config.OrchestratorConfig{
			CycleSeconds:      1,
			SnapshotEvery:     1000,
			FillLookbackHours: 24,
			AutoCreate:        true,
		},
		Emergency: config.EmergencyConfig{SafetyMargin: 0.03},
		Risk: config.RiskConfig{
			Enabled:        false,
			CrashDropPct:   0.10,
			CrashWindowSec: 60,
			CooldownSec:    300,
		},
	}
}

func testFilters() types.FilterSet {
	return types.FilterSet{
		TickSize:    d("0.01"),
		LotSize:     d("0.01"),
		MinNotional: d("5"),
		BaseAsset:   "SOL",
		QuoteAsset:  "USDC",
	}
}

func staticFilters(fs types.FilterSet) exchange.FetchFiltersFunc {
	return func(ctx context.Context, pair string) (types.FilterSet, error) {
		return fs, nil
	}
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gridbot.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testEngine(t *testing.T, cfg *config.Config, venue Venue, st *store.Store) *Engine {
	t.Helper()
	fc := exchange.NewFilterCache(staticFilters(testFilters()), exchange.DefaultFilterTTL)
	return New(cfg, venue, st, fc, testLogger())
}

// storeBasket inserts an active basket carrying the test grid parameters.
func storeBasket(t *testing.T, st *store.Store, pair string) *types.Basket {
	t.Helper()
	params := testConfig().Grid.Params()
	b := &types.Basket{
		ID:          types.NewBasketID(),
		Pair:        pair,
		AnchorPrice: params.AnchorPrice,
		Status:      types.BasketActive,
		Config:      params,
		CreatedAt:   time.Now().UTC(),
	}
	if err := st.CreateBasket(context.Background(), b); err != nil {
		t.Fatalf("CreateBasket: %v", err)
	}
	return b
}

func seedOrder(t *testing.T, st *store.Store, b *types.Basket, clientID string, side types.Side, price, qty string, venueID int64) {
	t.Helper()
	err := st.UpsertOrder(context.Background(), &types.Order{
		BasketID:      b.ID,
		VenueOrderID:  venueID,
		ClientOrderID: clientID,
		Side:          side,
		Type:          types.OrderTypeLimit,
		Price:         d(price),
		Qty:           d(qty),
		Status:        types.OrderStatusNew,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("UpsertOrder(%s): %v", clientID, err)
	}
}

func insertFill(t *testing.T, st *store.Store, b *types.Basket, tradeID int64, side types.Side, price, qty string) {
	t.Helper()
	_, err := st.InsertFill(context.Background(), &types.Fill{
		VenueTradeID:    tradeID,
		BasketID:        b.ID,
		Side:            side,
		Price:           d(price),
		Qty:             d(qty),
		Commission:      decimal.Zero,
		CommissionAsset: "USDC",
		ExecutedAt:      time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("InsertFill(%d): %v", tradeID, err)
	}
}

// drainEvents empties the engine's event buffer and counts events by type.
func drainEvents(eng *Engine) map[string]int {
	counts := make(map[string]int)
	for {
		select {
		case evt := <-eng.Events():
			counts[evt.Type]++
		default:
			return counts
		}
	}
}

// fakeVenue is an in-memory exchange. Orders rest keyed by client id;
// the price and the trade history are scripted by each test. Every
// mutation the code under test performs is recorded for assertions.
type fakeVenue struct {
	mu sync.Mutex

	price    decimal.Decimal
	balances map[string]types.Balance
	open     map[string]types.OpenOrder
	trades   []types.Trade

	placeErr  map[string]error // client id → scripted rejection
	cancelErr map[string]error

	nextVenueID int64
	ops         []string // "place:<id>" / "cancel:<id>" in call order
	placed      []string
	canceled    []string
	accountHits int
}

func newFakeVenue(price string) *fakeVenue {
	return &fakeVenue{
		price:       d(price),
		balances:    make(map[string]types.Balance),
		open:        make(map[string]types.OpenOrder),
		placeErr:    make(map[string]error),
		cancelErr:   make(map[string]error),
		nextVenueID: 1000,
	}
}

func (v *fakeVenue) setBalance(asset, free string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances[asset] = types.Balance{Asset: asset, Free: d(free), Locked: decimal.Zero}
}

func (v *fakeVenue) setPrice(p string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.price = d(p)
}

// restOrder seeds a resting order without recording a placement.
func (v *fakeVenue) restOrder(o types.OpenOrder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o.VenueOrderID == 0 {
		v.nextVenueID++
		o.VenueOrderID = v.nextVenueID
	}
	if o.Status == "" {
		o.Status = types.OrderStatusNew
	}
	v.open[o.ClientOrderID] = o
}

// dropOpen removes a resting order without recording a cancel, as if it
// vanished out of band.
func (v *fakeVenue) dropOpen(clientID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.open, clientID)
}

// fillOrder simulates the venue filling a resting order completely: the
// order leaves the book and a trade lands in history.
func (v *fakeVenue) fillOrder(t *testing.T, clientID string, tradeID int64, at time.Time) types.Trade {
	t.Helper()
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.open[clientID]
	if !ok {
		t.Fatalf("fillOrder: %s is not resting", clientID)
	}
	delete(v.open, clientID)
	tr := types.Trade{
		TradeID:         tradeID,
		VenueOrderID:    o.VenueOrderID,
		Pair:            o.Pair,
		Price:           o.Price,
		Qty:             o.OrigQty,
		Commission:      decimal.Zero,
		CommissionAsset: "USDC",
		Time:            at,
		IsBuyer:         o.Side == types.BUY,
	}
	v.trades = append(v.trades, tr)
	return tr
}

func (v *fakeVenue) openOrder(clientID string) (types.OpenOrder, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.open[clientID]
	return o, ok
}

func (v *fakeVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

func (v *fakeVenue) canceledCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.canceled)
}

func (v *fakeVenue) callOrder() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.ops...)
}

func (v *fakeVenue) accountInfoCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.accountHits
}

func (v *fakeVenue) AccountInfo(ctx context.Context) (map[string]types.Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accountHits++
	out := make(map[string]types.Balance, len(v.balances))
	for k, b := range v.balances {
		out[k] = b
	}
	return out, nil
}

func (v *fakeVenue) OpenOrders(ctx context.Context, pair string) ([]types.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var orders []types.OpenOrder
	for _, o := range v.open {
		if o.Pair == pair {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].ClientOrderID < orders[j].ClientOrderID
	})
	return orders, nil
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, pair string, side types.Side, typ types.OrderType, price, qty decimal.Decimal, clientID string) (types.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.placeErr[clientID]; err != nil {
		return types.OpenOrder{}, err
	}
	v.nextVenueID++
	o := types.OpenOrder{
		VenueOrderID:  v.nextVenueID,
		ClientOrderID: clientID,
		Pair:          pair,
		Side:          side,
		Type:          typ,
		Price:         price,
		OrigQty:       qty,
		Status:        types.OrderStatusNew,
	}
	v.open[clientID] = o
	v.ops = append(v.ops, "place:"+clientID)
	v.placed = append(v.placed, clientID)
	return o, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, pair, clientID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.cancelErr[clientID]; err != nil {
		return err
	}
	delete(v.open, clientID)
	v.ops = append(v.ops, "cancel:"+clientID)
	v.canceled = append(v.canceled, clientID)
	return nil
}

func (v *fakeVenue) CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.price, nil
}

func (v *fakeVenue) MyTrades(ctx context.Context, pair string, sinceMs int64) ([]types.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []types.Trade
	for _, tr := range v.trades {
		if tr.Pair == pair && tr.Time.UnixMilli() >= sinceMs {
			out = append(out, tr)
		}
	}
	return out, nil
}

var _ Venue = (*fakeVenue)(nil)
