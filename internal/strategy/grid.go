// Package strategy computes the desired order set for one grid basket.
//
// The planner is a pure function: persisted fills plus a price snapshot
// in, desired orders out. The engine owns all I/O; rerunning the planner
// on identical inputs yields byte-identical plans, which is what keeps
// the reconcile loop stable.
//
// Per-cycle flow:
//  1. Build levels below the anchor:
//     price_i = round_down(P0 · (1 + pct_i/100), tick)
//     qty_i   = round_down(capital · w_i / price_i, lot)
//     dropping anything under the venue's minimum notional.
//  2. Mark a level filled when a buy fill landed within one tick of it,
//     and accumulate the buy-side VWAP.
//  3. Zone protection: a hard stop drops levels under the floor, and a
//     last price under the floor suppresses buying entirely.
//  4. Buy plan: all unfilled levels, or only the next k under the last
//     trade price, while quote balance and grid budget allow.
//  5. Sell plan: with inventory on hand, ladder exits above VWAP. The
//     take-profit tightens as more levels fill:
//     TP = max(tp_start − tp_step·(n_filled−1), tp_min)
//     TP1/TP2 split the position by share; the remainder rides a trail
//     leg encoded as a plain limit.
//  6. Suggest a reanchor when there is nothing left to do.
package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// Input is one planning pass's complete world view. The engine assembles
// it from the store and the venue; Build itself performs no I/O and
// reads no clock beyond the caller-supplied Now.
type Input struct {
	Params    types.GridParams
	Filters   types.FilterSet
	BasketID  string
	CreatedAt time.Time

	// Position is net base inventory. The engine derives it from the
	// fill book; the emergency closer may hand in an adjusted value.
	Position  decimal.Decimal
	QuoteFree decimal.Decimal
	Fills     []types.Fill

	LastPrice decimal.Decimal
	Now       time.Time
}

// Plan is the desired order set for one basket.
type Plan struct {
	Buys  []types.OrderSpec
	Sells []types.OrderSpec
	Meta  Meta
}

// Meta summarizes the pass for logging, the status page, and the
// orchestrator's reanchor decision.
type Meta struct {
	BasketID          string
	AvgPrice          decimal.Decimal
	HasAvgPrice       bool
	FilledLevels      []int
	PlannedLevels     int
	RemainingQuote    decimal.Decimal
	ReanchorSuggested bool
}

// level is one sized grid rung. num is the 1-based grid number; slot is
// its client-id fragment. Numbering follows the configured levels_pct
// order, so a level discarded for min-notional leaves a gap rather than
// renumbering its neighbors.
type level struct {
	num    int
	slot   string
	price  decimal.Decimal
	qty    decimal.Decimal
	filled bool
}

// Build computes the desired buys and sells for one basket.
func Build(in Input) (Plan, error) {
	p := in.Params
	f := in.Filters

	if len(p.LevelsPct) != len(p.AllocWeights) {
		return Plan{}, fmt.Errorf("levels_pct and alloc_weights length mismatch: %d vs %d",
			len(p.LevelsPct), len(p.AllocWeights))
	}
	if p.AnchorPrice.Sign() <= 0 {
		return Plan{}, fmt.Errorf("anchor price must be positive, got %s", p.AnchorPrice)
	}

	one := decimal.NewFromInt(1)
	book := NewBook(in.Fills)

	// 1. Build levels.
	levels := make([]level, 0, len(p.LevelsPct))
	for i, pct := range p.LevelsPct {
		price := types.RoundDownToStep(p.AnchorPrice.Mul(one.Add(pct.Shift(-2))), f.TickSize)
		if price.Sign() <= 0 {
			continue
		}
		qty := types.RoundDownToStep(p.MaxGridCapitalQuote.Mul(p.AllocWeights[i]).Div(price), f.LotSize)
		if qty.Sign() <= 0 || price.Mul(qty).LessThan(f.MinNotional) {
			continue
		}
		levels = append(levels, level{num: i + 1, slot: types.LevelSlot(i), price: price, qty: qty})
	}
	planned := len(levels)

	// 2. Filled-level detection and VWAP.
	var filledNums []int
	for i := range levels {
		if book.HasBuyNear(levels[i].price, f.TickSize) {
			levels[i].filled = true
			filledNums = append(filledNums, levels[i].num)
		}
	}
	nFilled := len(filledNums)

	// 3. Zone protection.
	buyable := levels
	zoneBroken := false
	if p.HardStopMode == types.HardStopHard {
		floor := p.AnchorPrice.Mul(one.Sub(p.HardStopPct))
		kept := make([]level, 0, len(levels))
		for _, lv := range levels {
			if !lv.price.LessThan(floor) {
				kept = append(kept, lv)
			}
		}
		buyable = kept
		zoneBroken = in.LastPrice.LessThan(floor)
	}
	// extend_zone is accepted by configuration but behaves like none; the
	// sparser band below the main zone has no definition yet.

	// 4. Buy plan. The grid budget is the configured capital minus quote
	// already spent on buy fills, drawn down by each planned buy.
	budget := p.MaxGridCapitalQuote.Sub(book.QuoteSpent())
	if budget.Sign() < 0 {
		budget = decimal.Zero
	}

	candidates := make([]level, 0, len(buyable))
	for _, lv := range buyable {
		if !lv.filled {
			candidates = append(candidates, lv)
		}
	}
	if p.PlaceMode == types.PlaceOnlyNextK {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].price.GreaterThan(candidates[j].price)
		})
		next := make([]level, 0, p.KNext)
		for _, lv := range candidates {
			if len(next) == p.KNext {
				break
			}
			if lv.price.LessThanOrEqual(in.LastPrice) {
				next = append(next, lv)
			}
		}
		candidates = next
	}

	var buys []types.OrderSpec
	if !zoneBroken {
		for _, lv := range candidates {
			notional := lv.price.Mul(lv.qty)
			if notional.GreaterThan(in.QuoteFree) || notional.GreaterThan(budget) {
				continue
			}
			buys = append(buys, types.OrderSpec{
				Side:     types.BUY,
				Type:     types.OrderTypeLimit,
				Price:    lv.price,
				Qty:      lv.qty,
				ClientID: types.BuildClientID(p.Pair, in.BasketID, types.BUY, lv.slot),
			})
			budget = budget.Sub(notional)
		}
	}

	// 5. Sell plan.
	var sells []types.OrderSpec
	vwap, hasVWAP := book.VWAP()
	if in.Position.Sign() > 0 && hasVWAP {
		steps := nFilled - 1
		if steps < 0 {
			steps = 0
		}
		tp := p.TPStartPct.Sub(p.TPStepPct.Mul(decimal.NewFromInt(int64(steps))))
		if tp.LessThan(p.TPMinPct) {
			tp = p.TPMinPct
		}

		q1 := types.RoundDownToStep(in.Position.Mul(p.TP1Share), f.LotSize)
		q2 := types.RoundDownToStep(in.Position.Mul(p.TP2Share), f.LotSize)
		q3 := types.RoundDownToStep(in.Position.Sub(q1).Sub(q2), f.LotSize)

		type exitLeg struct {
			slot  string
			price decimal.Decimal
			qty   decimal.Decimal
		}
		legs := []exitLeg{
			{types.SlotTP1, types.RoundUpToStep(vwap.Mul(one.Add(tp)), f.TickSize), q1},
			{types.SlotTP2, types.RoundUpToStep(vwap.Mul(one.Add(tp).Add(p.TP2DeltaPct)), f.TickSize), q2},
			// The trail leg is a plain resting limit; the venue's native
			// trailing orders are not assumed.
			{types.SlotTrail, types.RoundUpToStep(vwap.Mul(one.Add(p.TrailingCallbackPct)), f.TickSize), q3},
		}
		for _, leg := range legs {
			if leg.qty.Sign() <= 0 {
				continue
			}
			sells = append(sells, types.OrderSpec{
				Side:     types.SELL,
				Type:     types.OrderTypeLimit,
				Price:    leg.price,
				Qty:      leg.qty,
				ClientID: types.BuildClientID(p.Pair, in.BasketID, types.SELL, leg.slot),
			})
		}
	}

	// 6. Reanchor suggestion: nothing resting to plan and either no
	// inventory or the basket has outlived its TTL. Advisory; the
	// orchestrator decides.
	reanchor := false
	if len(buys) == 0 && len(sells) == 0 {
		expired := false
		if p.TimeTTLSec > 0 {
			expired = in.Now.Sub(in.CreatedAt) > time.Duration(p.TimeTTLSec)*time.Second
		}
		reanchor = types.IsFlat(in.Position) || expired
	}

	return Plan{
		Buys:  buys,
		Sells: sells,
		Meta: Meta{
			BasketID:          in.BasketID,
			AvgPrice:          vwap,
			HasAvgPrice:       hasVWAP,
			FilledLevels:      filledNums,
			PlannedLevels:     planned,
			RemainingQuote:    budget,
			ReanchorSuggested: reanchor,
		},
	}, nil
}
