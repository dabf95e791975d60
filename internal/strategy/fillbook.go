package strategy

import (
	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// Book folds a basket's fill history into the aggregates the planner
// needs: net position, buy-side VWAP, quote turnover, and a
// price-proximity lookup for filled-level detection.
//
// A Book is built fresh from persisted fills on every pass rather than
// mutated incrementally, so a restart or a re-read of history always
// lands on the same numbers.
type Book struct {
	buys      []types.Fill
	buyQty    decimal.Decimal
	buyQuote  decimal.Decimal
	sellQty   decimal.Decimal
	sellQuote decimal.Decimal
}

// NewBook aggregates fills. Order does not matter; every aggregate is a
// plain sum.
func NewBook(fills []types.Fill) *Book {
	b := &Book{}
	for _, f := range fills {
		notional := f.Price.Mul(f.Qty)
		if f.Side == types.BUY {
			b.buys = append(b.buys, f)
			b.buyQty = b.buyQty.Add(f.Qty)
			b.buyQuote = b.buyQuote.Add(notional)
		} else {
			b.sellQty = b.sellQty.Add(f.Qty)
			b.sellQuote = b.sellQuote.Add(notional)
		}
	}
	return b
}

// Position is net base inventory: bought minus sold.
func (b *Book) Position() decimal.Decimal {
	return b.buyQty.Sub(b.sellQty)
}

// VWAP is the volume-weighted average entry price over buy fills. The
// second return is false when nothing has been bought yet.
func (b *Book) VWAP() (decimal.Decimal, bool) {
	if b.buyQty.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	return b.buyQuote.Div(b.buyQty), true
}

// QuoteSpent is the total quote paid across buy fills. Sell proceeds do
// not flow back into it; the grid budget only ever shrinks.
func (b *Book) QuoteSpent() decimal.Decimal {
	return b.buyQuote
}

// QuoteReceived is the total quote collected across sell fills.
func (b *Book) QuoteReceived() decimal.Decimal {
	return b.sellQuote
}

// HasBuyNear reports whether any buy fill landed within one tick of
// price, inclusive. Fills are matched by price rather than client id so
// that history survives order replacement.
func (b *Book) HasBuyNear(price, tick decimal.Decimal) bool {
	for _, f := range b.buys {
		if f.Price.Sub(price).Abs().LessThanOrEqual(tick) {
			return true
		}
	}
	return false
}
