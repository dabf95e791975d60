package strategy

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

const testBasketID = "0TESTBASKET01"

func gridParams() types.GridParams {
	return types.GridParams{
		Pair:                "SOLUSDT",
		AnchorPrice:         d("150"),
		LevelsPct:           []decimal.Decimal{d("-5"), d("-10"), d("-15"), d("-20"), d("-25"), d("-30")},
		AllocWeights:        []decimal.Decimal{d("0.08"), d("0.12"), d("0.15"), d("0.18"), d("0.22"), d("0.25")},
		MaxGridCapitalQuote: d("1000"),
		TPStartPct:          d("0.012"),
		TPStepPct:           d("0.0015"),
		TPMinPct:            d("0.003"),
		TP2DeltaPct:         d("0.008"),
		TP1Share:            d("0.4"),
		TP2Share:            d("0.35"),
		TrailShare:          d("0.25"),
		TrailingCallbackPct: d("0.004"),
		HardStopMode:        types.HardStopNone,
		HardStopPct:         d("0.25"),
		PlaceMode:           types.PlaceOnlyNextK,
		KNext:               2,
		CloseRatio:          d("0.5"),
		TimeTTLSec:          86400,
	}
}

func gridFilters() types.FilterSet {
	return types.FilterSet{
		TickSize:    d("0.001"),
		LotSize:     d("0.01"),
		MinNotional: d("5"),
	}
}

func gridInput() Input {
	now := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	return Input{
		Params:    gridParams(),
		Filters:   gridFilters(),
		BasketID:  testBasketID,
		CreatedAt: now.Add(-time.Hour),
		QuoteFree: d("100000"),
		LastPrice: d("148"),
		Now:       now,
	}
}

func buyFill(price, qty string) types.Fill {
	return types.Fill{
		Side:  types.BUY,
		Price: d(price),
		Qty:   d(qty),
	}
}

type wantOrder struct {
	price    string
	qty      string
	clientID string
}

func checkOrders(t *testing.T, got []types.OrderSpec, want []wantOrder) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d orders, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		o := got[i]
		if !o.Price.Equal(d(w.price)) {
			t.Errorf("order %d price = %s, want %s", i, o.Price, w.price)
		}
		if !o.Qty.Equal(d(w.qty)) {
			t.Errorf("order %d qty = %s, want %s", i, o.Qty, w.qty)
		}
		if o.ClientID != w.clientID {
			t.Errorf("order %d client id = %q, want %q", i, o.ClientID, w.clientID)
		}
		if o.Type != types.OrderTypeLimit {
			t.Errorf("order %d type = %s, want %s", i, o.Type, types.OrderTypeLimit)
		}
	}
}

func TestBuildSixLevelGridNothingFilled(t *testing.T) {
	t.Parallel()

	plan, err := Build(gridInput())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	checkOrders(t, plan.Buys, []wantOrder{
		{"142.5", "0.56", "SOLUSDT_0TESTBASKET01_B_1"},
		{"135", "0.88", "SOLUSDT_0TESTBASKET01_B_2"},
	})
	if len(plan.Sells) != 0 {
		t.Errorf("sells = %+v, want none", plan.Sells)
	}
	if plan.Meta.PlannedLevels != 6 {
		t.Errorf("planned levels = %d, want 6", plan.Meta.PlannedLevels)
	}
	if plan.Meta.HasAvgPrice {
		t.Error("average price should be undefined with no fills")
	}
	if plan.Meta.ReanchorSuggested {
		t.Error("reanchor suggested with live buys")
	}
	if !plan.Meta.RemainingQuote.Equal(d("801.4")) {
		t.Errorf("remaining quote = %s, want 801.4", plan.Meta.RemainingQuote)
	}
}

func TestBuildLaddersExitsOverVWAP(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Fills = []types.Fill{
		buyFill("142.5", "0.56"),
		buyFill("135", "0.88"),
		buyFill("127.5", "1.17"),
	}
	in.Position = d("2.61")
	in.LastPrice = d("130")

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Three filled levels pull the take-profit from 1.2% down to 0.9%;
	// VWAP is 347.775 / 2.61 = 133.2471...
	checkOrders(t, plan.Sells, []wantOrder{
		{"134.447", "1.04", "SOLUSDT_0TESTBASKET01_S_TP1"},
		{"135.513", "0.91", "SOLUSDT_0TESTBASKET01_S_TP2"},
		{"133.781", "0.66", "SOLUSDT_0TESTBASKET01_S_TRAIL"},
	})
	checkOrders(t, plan.Buys, []wantOrder{
		{"120", "1.5", "SOLUSDT_0TESTBASKET01_B_4"},
		{"112.5", "1.95", "SOLUSDT_0TESTBASKET01_B_5"},
	})

	if got := plan.Meta.FilledLevels; !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("filled levels = %v, want [1 2 3]", got)
	}
	if !plan.Meta.HasAvgPrice {
		t.Fatal("average price should be defined")
	}
	if diff := plan.Meta.AvgPrice.Sub(d("133.2471264")).Abs(); diff.GreaterThan(d("0.0000001")) {
		t.Errorf("avg price = %s, want ~133.2471264", plan.Meta.AvgPrice)
	}
	if !plan.Meta.RemainingQuote.Equal(d("252.85")) {
		t.Errorf("remaining quote = %s, want 252.85", plan.Meta.RemainingQuote)
	}
	if plan.Meta.ReanchorSuggested {
		t.Error("reanchor suggested while orders remain")
	}
}

func TestBuildSuggestsReanchorWhenIdleAndFlat(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.LastPrice = d("95") // below every level, so only_next_k yields nothing

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Buys) != 0 || len(plan.Sells) != 0 {
		t.Fatalf("plan not empty: buys=%d sells=%d", len(plan.Buys), len(plan.Sells))
	}
	if !plan.Meta.ReanchorSuggested {
		t.Error("flat basket with an empty plan should suggest a reanchor")
	}
}

func TestBuildReanchorAfterTTL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		age    time.Duration
		ttlSec int64
		want   bool
	}{
		{name: "expired", age: 25 * time.Hour, ttlSec: 86400, want: true},
		{name: "within ttl", age: time.Hour, ttlSec: 86400, want: false},
		{name: "ttl disabled", age: 400 * 24 * time.Hour, ttlSec: 0, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			// A residual position too small to sell (under one lot) with
			// no quote to buy leaves both plans empty without being flat.
			in := gridInput()
			in.Params.TimeTTLSec = tc.ttlSec
			in.Fills = []types.Fill{buyFill("142.5", "0.004")}
			in.Position = d("0.004")
			in.QuoteFree = decimal.Zero
			in.CreatedAt = in.Now.Add(-tc.age)

			plan, err := Build(in)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if len(plan.Buys) != 0 || len(plan.Sells) != 0 {
				t.Fatalf("plan not empty: buys=%d sells=%d", len(plan.Buys), len(plan.Sells))
			}
			if plan.Meta.ReanchorSuggested != tc.want {
				t.Errorf("reanchor = %v, want %v", plan.Meta.ReanchorSuggested, tc.want)
			}
		})
	}
}

func TestBuildBudgetNeverExceedsCapital(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Params.PlaceMode = types.PlaceAllUnfilled
	// A buy fill away from every current level (left over from before a
	// reanchor) consumed 600 of the budget without marking a level filled.
	in.Fills = []types.Fill{buyFill("150", "4")}
	in.Position = d("4")

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Greedy fit into the 400 that remains: 79.8 + 118.8 + 149.175 land,
	// everything deeper busts the budget.
	checkOrders(t, plan.Buys, []wantOrder{
		{"142.5", "0.56", "SOLUSDT_0TESTBASKET01_B_1"},
		{"135", "0.88", "SOLUSDT_0TESTBASKET01_B_2"},
		{"127.5", "1.17", "SOLUSDT_0TESTBASKET01_B_3"},
	})
	total := d("600")
	for _, o := range plan.Buys {
		total = total.Add(o.Price.Mul(o.Qty))
	}
	if limit := d("1000"); total.GreaterThan(limit) {
		t.Errorf("spent plus planned notional %s exceeds capital %s", total, limit)
	}
	if !plan.Meta.RemainingQuote.Equal(d("52.225")) {
		t.Errorf("remaining quote = %s, want 52.225", plan.Meta.RemainingQuote)
	}
}

func TestBuildSkipsLevelsBeyondQuoteBalance(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Params.PlaceMode = types.PlaceAllUnfilled
	in.QuoteFree = d("100")

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	checkOrders(t, plan.Buys, []wantOrder{
		{"142.5", "0.56", "SOLUSDT_0TESTBASKET01_B_1"},
	})
	if !plan.Meta.RemainingQuote.Equal(d("920.2")) {
		t.Errorf("remaining quote = %s, want 920.2", plan.Meta.RemainingQuote)
	}
}

func TestBuildAlignsPricesAndQuantities(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Params.AnchorPrice = d("137.77")
	in.Params.LevelsPct = []decimal.Decimal{d("-3.33"), d("-7.77"), d("-11.11")}
	in.Params.AllocWeights = []decimal.Decimal{d("0.3"), d("0.3"), d("0.4")}
	in.Params.PlaceMode = types.PlaceAllUnfilled

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Buys) == 0 {
		t.Fatal("expected buys from an awkward anchor")
	}
	for _, o := range plan.Buys {
		if !types.StepAligned(o.Price, in.Filters.TickSize) {
			t.Errorf("buy price %s not on tick", o.Price)
		}
		if !types.StepAligned(o.Qty, in.Filters.LotSize) {
			t.Errorf("buy qty %s not on lot", o.Qty)
		}
	}

	// Feed the first level back as a fill; the exits must land on the
	// grid steps too.
	first := plan.Buys[0]
	in.Fills = []types.Fill{{Side: types.BUY, Price: first.Price, Qty: first.Qty}}
	in.Position = first.Qty

	plan, err = Build(in)
	if err != nil {
		t.Fatalf("Build with fill: %v", err)
	}
	if len(plan.Sells) == 0 {
		t.Fatal("expected exits with inventory on hand")
	}
	for _, o := range plan.Sells {
		if !types.StepAligned(o.Price, in.Filters.TickSize) {
			t.Errorf("sell price %s not on tick", o.Price)
		}
		if !types.StepAligned(o.Qty, in.Filters.LotSize) {
			t.Errorf("sell qty %s not on lot", o.Qty)
		}
	}
}

func TestBuildSellSplitCoversPosition(t *testing.T) {
	t.Parallel()

	positions := []string{"2.61", "1.003", "0.05", "0.999999"}
	for _, pos := range positions {
		t.Run(pos, func(t *testing.T) {
			t.Parallel()

			in := gridInput()
			in.Fills = []types.Fill{buyFill("133", pos)}
			in.Position = d(pos)

			plan, err := Build(in)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			total := decimal.Zero
			for _, o := range plan.Sells {
				total = total.Add(o.Qty)
			}
			lot := in.Filters.LotSize
			floor := d(pos).Sub(lot.Mul(d("3")))
			if total.LessThan(floor) {
				t.Errorf("sell qty %s leaves more than three lots of %s unsold", total, pos)
			}
			if total.GreaterThan(d(pos).Add(d("0.00000001"))) {
				t.Errorf("sell qty %s exceeds position %s", total, pos)
			}
		})
	}
}

func TestBuildNoSellsWithoutInventory(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Fills = []types.Fill{
		buyFill("142.5", "0.56"),
		{Side: types.SELL, Price: d("144"), Qty: d("0.56")},
	}
	in.Position = decimal.Zero

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(plan.Sells) != 0 {
		t.Errorf("sells = %+v, want none with zero position", plan.Sells)
	}
	if len(plan.Buys) == 0 {
		t.Error("expected resting buys to continue the grid")
	}
	if plan.Meta.ReanchorSuggested {
		t.Error("reanchor suggested while buys remain")
	}
}

func TestBuildTakeProfitConvergesToFloor(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Params.LevelsPct = []decimal.Decimal{
		d("-2"), d("-4"), d("-6"), d("-8"), d("-10"), d("-12"), d("-14"), d("-16"),
	}
	in.Params.AllocWeights = []decimal.Decimal{
		d("0.125"), d("0.125"), d("0.125"), d("0.125"),
		d("0.125"), d("0.125"), d("0.125"), d("0.125"),
	}
	in.Params.PlaceMode = types.PlaceAllUnfilled

	// Fill every level so n_filled drives the take-profit through its
	// floor: 0.012 - 0.0015*7 < 0.003.
	base, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pos := decimal.Zero
	for _, o := range base.Buys {
		in.Fills = append(in.Fills, types.Fill{Side: types.BUY, Price: o.Price, Qty: o.Qty})
		pos = pos.Add(o.Qty)
	}
	in.Position = pos

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build with fills: %v", err)
	}
	if len(plan.Sells) == 0 {
		t.Fatal("expected exits")
	}
	wantTP1 := types.RoundUpToStep(plan.Meta.AvgPrice.Mul(d("1.003")), in.Filters.TickSize)
	if !plan.Sells[0].Price.Equal(wantTP1) {
		t.Errorf("TP1 price = %s, want floor price %s", plan.Sells[0].Price, wantTP1)
	}
	wantTP2 := types.RoundUpToStep(plan.Meta.AvgPrice.Mul(d("1.011")), in.Filters.TickSize)
	if !plan.Sells[1].Price.Equal(wantTP2) {
		t.Errorf("TP2 price = %s, want %s", plan.Sells[1].Price, wantTP2)
	}
}

func TestBuildHardStopZone(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		mode       types.HardStopMode
		lastPrice  string
		wantPrices []string
	}{
		{
			name:      "hard drops levels under the floor",
			mode:      types.HardStopHard,
			lastPrice: "148",
			// floor = 150 * (1 - 0.12) = 132
			wantPrices: []string{"142.5", "135"},
		},
		{
			name:       "hard suppresses buying below the floor",
			mode:       types.HardStopHard,
			lastPrice:  "131.9",
			wantPrices: nil,
		},
		{
			name:       "extend_zone behaves like none for now",
			mode:       types.HardStopExtendZone,
			lastPrice:  "148",
			wantPrices: []string{"142.5", "135", "127.5", "120", "112.5", "105"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := gridInput()
			in.Params.PlaceMode = types.PlaceAllUnfilled
			in.Params.HardStopMode = tc.mode
			in.Params.HardStopPct = d("0.12")
			in.LastPrice = d(tc.lastPrice)

			plan, err := Build(in)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if len(plan.Buys) != len(tc.wantPrices) {
				t.Fatalf("got %d buys, want %d: %+v", len(plan.Buys), len(tc.wantPrices), plan.Buys)
			}
			for i, want := range tc.wantPrices {
				if !plan.Buys[i].Price.Equal(d(want)) {
					t.Errorf("buy %d price = %s, want %s", i, plan.Buys[i].Price, want)
				}
			}
		})
	}
}

func TestBuildDiscardsSubNotionalLevels(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Params.LevelsPct = []decimal.Decimal{d("-5"), d("-10")}
	in.Params.AllocWeights = []decimal.Decimal{d("0.04"), d("0.96")}
	in.Params.MaxGridCapitalQuote = d("100")
	in.Params.PlaceMode = types.PlaceAllUnfilled

	plan, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Level 1 sizes to 0.02 (2.85 quote), under min notional 5, so only
	// level 2 survives. Its slot keeps the original numbering.
	if plan.Meta.PlannedLevels != 1 {
		t.Errorf("planned levels = %d, want 1", plan.Meta.PlannedLevels)
	}
	checkOrders(t, plan.Buys, []wantOrder{
		{"135", "0.71", "SOLUSDT_0TESTBASKET01_B_2"},
	})
}

func TestBuildRejectsBadParams(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*types.GridParams)
	}{
		{
			name: "weights length mismatch",
			mutate: func(p *types.GridParams) {
				p.AllocWeights = p.AllocWeights[:len(p.AllocWeights)-1]
			},
		},
		{
			name: "zero anchor",
			mutate: func(p *types.GridParams) {
				p.AnchorPrice = decimal.Zero
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			in := gridInput()
			tc.mutate(&in.Params)
			if _, err := Build(in); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	t.Parallel()

	in := gridInput()
	in.Fills = []types.Fill{buyFill("142.5", "0.56"), buyFill("135", "0.88")}
	in.Position = d("1.44")
	in.LastPrice = d("133")

	first, err := Build(in)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := Build(in)
	if err != nil {
		t.Fatalf("Build again: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("plans differ across identical runs:\n%+v\n%+v", first, second)
	}
}
