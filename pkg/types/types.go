// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — sides, order and
// basket lifecycles, venue views, grid parameters, and the deterministic
// client-order-id grammar. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Letter returns the single-character form used inside client order ids.
func (s Side) Letter() string {
	if s == SELL {
		return "S"
	}
	return "B"
}

// OrderType mirrors the venue's order-type nomenclature. The grid only
// ever places plain limits; the field stays a free-form string so venue
// responses round-trip unmodified.
type OrderType string

const (
	OrderTypeLimit OrderType = "LIMIT"
)

// TimeInForce for placed orders. Grid orders rest until filled or replaced.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
)

// OrderStatus is the local order lifecycle.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
)

// OrderStatusFromVenue maps the venue's status strings onto the local
// lifecycle. Terminal venue states the grid never produces (REJECTED,
// EXPIRED) collapse to canceled.
func OrderStatusFromVenue(s string) OrderStatus {
	switch s {
	case "NEW":
		return OrderStatusNew
	case "PARTIALLY_FILLED":
		return OrderStatusPartiallyFilled
	case "FILLED":
		return OrderStatusFilled
	default:
		return OrderStatusCanceled
	}
}

// BasketStatus is the basket lifecycle. Baskets are never deleted;
// closed and emergency_closed rows remain as history.
type BasketStatus string

const (
	BasketActive          BasketStatus = "active"
	BasketClosed          BasketStatus = "closed"
	BasketEmergencyClosed BasketStatus = "emergency_closed"
)

// GateStatus is the persisted system-status toggle. When the key is
// absent from the store the gate reads as running.
type GateStatus string

const (
	GateRunning GateStatus = "running"
	GateStopped GateStatus = "stopped"
)

// HardStopMode selects zone protection below the grid.
type HardStopMode string

const (
	HardStopNone HardStopMode = "none"
	HardStopHard HardStopMode = "hard"
	// HardStopExtendZone is accepted by configuration but currently
	// behaves like HardStopNone. The sparser second band below the main
	// zone is not implemented.
	HardStopExtendZone HardStopMode = "extend_zone"
)

// PlaceMode selects how many unfilled levels become resting buys.
type PlaceMode string

const (
	PlaceAllUnfilled PlaceMode = "all_unfilled"
	PlaceOnlyNextK   PlaceMode = "only_next_k"
)

// ————————————————————————————————————————————————————————————————————————
// Grid parameters
// ————————————————————————————————————————————————————————————————————————

// GridParams is the full parameter record for one basket, snapshotted at
// basket creation and persisted as the basket's config blob. All numeric
// fields are exact decimals; conversion from the float-typed configuration
// file happens once, at load.
//
// Units: LevelsPct entries are percents (-5 means 0.95 x anchor). Every
// other *Pct field, the shares, and CloseRatio are fractions (0.012 means
// 1.2%).
type GridParams struct {
	Pair                string            `json:"pair"`
	AnchorPrice         decimal.Decimal   `json:"anchor_price"`
	LevelsPct           []decimal.Decimal `json:"levels_pct"`
	AllocWeights        []decimal.Decimal `json:"alloc_weights"`
	MaxGridCapitalQuote decimal.Decimal   `json:"max_grid_capital_quote"`

	TPStartPct  decimal.Decimal `json:"tp_start_pct"`
	TPStepPct   decimal.Decimal `json:"tp_step_pct"`
	TPMinPct    decimal.Decimal `json:"tp_min_pct"`
	TP2DeltaPct decimal.Decimal `json:"tp2_delta_pct"`

	TP1Share   decimal.Decimal `json:"tp1_share"`
	TP2Share   decimal.Decimal `json:"tp2_share"`
	TrailShare decimal.Decimal `json:"trail_share"`

	TrailingCallbackPct decimal.Decimal `json:"trailing_callback_pct"`

	HardStopMode HardStopMode    `json:"hard_stop_mode"`
	HardStopPct  decimal.Decimal `json:"hard_stop_pct"`

	PlaceMode PlaceMode `json:"place_mode"`
	KNext     int       `json:"k_next"`

	// Reanchor rules. CloseRatio is carried for forward compatibility but
	// is not evaluated anywhere yet.
	CloseRatio decimal.Decimal `json:"close_ratio"`
	TimeTTLSec int64           `json:"time_ttl_sec"`
}

// FilterSet is the venue's trading constraints for one pair, plus the
// pair's asset legs as the venue reports them.
type FilterSet struct {
	TickSize    decimal.Decimal `json:"tick_size"`
	LotSize     decimal.Decimal `json:"lot_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
}

// ————————————————————————————————————————————————————————————————————————
// Persisted entities
// ————————————————————————————————————————————————————————————————————————

// Basket is one logical grid session over one trading pair.
type Basket struct {
	ID          string
	Pair        string
	AnchorPrice decimal.Decimal
	Status      BasketStatus
	Config      GridParams
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// Order is one intended or observed order owned by a basket. VenueOrderID
// is zero until the venue acknowledges placement; it is the key used to
// attribute trades back to the order during fill sync.
type Order struct {
	ID            int64
	BasketID      string
	VenueOrderID  int64
	ClientOrderID string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
	Status        OrderStatus
	CreatedAt     time.Time
	FilledAt      *time.Time
	UpdatedAt     time.Time
}

// Fill is one execution event. Immutable once written. VenueTradeID is
// the venue's trade id and deduplicates repeated trade-history reads.
type Fill struct {
	ID              int64
	VenueTradeID    int64
	OrderID         int64
	BasketID        string
	Side            Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	ExecutedAt      time.Time
}

// AccountSnapshot is a periodic balance record.
type AccountSnapshot struct {
	ID         int64
	TS         time.Time
	QuoteFree  decimal.Decimal
	BaseFree   decimal.Decimal
	TotalValue decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Venue views
// ————————————————————————————————————————————————————————————————————————

// Balance is one asset's free/locked amounts from the account endpoint.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// OpenOrder is a venue-observed resting order. Price and quantity are the
// venue's authoritative values; reconciliation compares them against the
// desired set keyed by ClientOrderID.
type OpenOrder struct {
	VenueOrderID  int64
	ClientOrderID string
	Pair          string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	OrigQty       decimal.Decimal
	ExecutedQty   decimal.Decimal
	Status        OrderStatus
}

// Trade is one venue-reported execution from trade history.
type Trade struct {
	TradeID         int64
	VenueOrderID    int64
	Pair            string
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	Time            time.Time
	IsBuyer         bool
}

// Side derives the order side from the venue's buyer flag.
func (t Trade) Side() Side {
	if t.IsBuyer {
		return BUY
	}
	return SELL
}

// OrderSpec is one desired order produced by the strategy. The client id
// is deterministic (see BuildClientID), so re-planning the same grid state
// yields byte-identical specs.
type OrderSpec struct {
	Side     Side
	Type     OrderType
	Price    decimal.Decimal
	Qty      decimal.Decimal
	ClientID string
}

// CloseResult reports what an emergency close accomplished. It is
// returned to the operator verbatim, so the fields carry JSON tags.
type CloseResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	CanceledCount   int    `json:"canceled_count"`
	ExitOrderPlaced bool   `json:"exit_order_placed"`
}
