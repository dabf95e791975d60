// wire.go maps the venue's JSON payloads onto the bot's vocabulary. The
// venue serializes every price and quantity as a string; conversion to
// decimal happens here and nowhere else, so a malformed number surfaces
// as a DecodeError at the edge instead of corrupting arithmetic deeper in.
package exchange

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

type balanceJSON struct {
	Asset  string `json:"asset"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type accountJSON struct {
	Balances []balanceJSON `json:"balances"`
}

type orderJSON struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
}

// cancelJSON echoes the canceled order; origClientOrderId holds the id the
// cancel addressed.
type cancelJSON struct {
	Symbol            string `json:"symbol"`
	OrderID           int64  `json:"orderId"`
	OrigClientOrderID string `json:"origClientOrderId"`
	Status            string `json:"status"`
}

type tickerJSON struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type tradeJSON struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

type exchangeInfoJSON struct {
	Symbols []symbolJSON `json:"symbols"`
}

type symbolJSON struct {
	Symbol     string       `json:"symbol"`
	BaseAsset  string       `json:"baseAsset"`
	QuoteAsset string       `json:"quoteAsset"`
	Filters    []filterJSON `json:"filters"`
}

// filterJSON is the union of the filter fields the grid cares about; the
// venue distinguishes them by filterType.
type filterJSON struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinNotional string `json:"minNotional"`
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("field %s: %w", field, err)
	}
	return d, nil
}

func (o orderJSON) toOpenOrder() (types.OpenOrder, error) {
	price, err := parseDecimal("price", o.Price)
	if err != nil {
		return types.OpenOrder{}, err
	}
	orig, err := parseDecimal("origQty", o.OrigQty)
	if err != nil {
		return types.OpenOrder{}, err
	}
	executed := decimal.Zero
	if o.ExecutedQty != "" {
		if executed, err = parseDecimal("executedQty", o.ExecutedQty); err != nil {
			return types.OpenOrder{}, err
		}
	}
	return types.OpenOrder{
		VenueOrderID:  o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Pair:          o.Symbol,
		Side:          types.Side(o.Side),
		Type:          types.OrderType(o.Type),
		Price:         price,
		OrigQty:       orig,
		ExecutedQty:   executed,
		Status:        types.OrderStatusFromVenue(o.Status),
	}, nil
}

func (t tradeJSON) toTrade() (types.Trade, error) {
	price, err := parseDecimal("price", t.Price)
	if err != nil {
		return types.Trade{}, err
	}
	qty, err := parseDecimal("qty", t.Qty)
	if err != nil {
		return types.Trade{}, err
	}
	commission := decimal.Zero
	if t.Commission != "" {
		if commission, err = parseDecimal("commission", t.Commission); err != nil {
			return types.Trade{}, err
		}
	}
	return types.Trade{
		TradeID:         t.ID,
		VenueOrderID:    t.OrderID,
		Pair:            t.Symbol,
		Price:           price,
		Qty:             qty,
		Commission:      commission,
		CommissionAsset: t.CommissionAsset,
		Time:            time.UnixMilli(t.Time).UTC(),
		IsBuyer:         t.IsBuyer,
	}, nil
}

// toFilterSet extracts tick, lot, and min-notional from the symbol's
// filter list. Newer venue deployments report the notional floor under
// "NOTIONAL" instead of "MIN_NOTIONAL"; both are accepted.
func (s symbolJSON) toFilterSet() (types.FilterSet, error) {
	fs := types.FilterSet{BaseAsset: s.BaseAsset, QuoteAsset: s.QuoteAsset}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			tick, err := parseDecimal("tickSize", f.TickSize)
			if err != nil {
				return fs, err
			}
			fs.TickSize = tick
		case "LOT_SIZE":
			lot, err := parseDecimal("stepSize", f.StepSize)
			if err != nil {
				return fs, err
			}
			fs.LotSize = lot
		case "MIN_NOTIONAL", "NOTIONAL":
			mn, err := parseDecimal("minNotional", f.MinNotional)
			if err != nil {
				return fs, err
			}
			fs.MinNotional = mn
		}
	}
	if fs.TickSize.IsZero() && fs.LotSize.IsZero() {
		return fs, fmt.Errorf("symbol %s: no PRICE_FILTER or LOT_SIZE filter present", s.Symbol)
	}
	return fs, nil
}
