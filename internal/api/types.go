package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// Source is the engine surface the admin server reads from and steers.
// The engine implements it; handler tests substitute a stub.
type Source interface {
	// Status assembles the operator view of gate, cycles and baskets.
	Status(ctx context.Context) (Status, error)
	// CreateBasket opens a basket from the configured grid. A positive
	// anchor overrides the configured anchor price; zero keeps the
	// config value or, when that is also zero, the market price.
	CreateBasket(ctx context.Context, anchor decimal.Decimal) (*types.Basket, error)
	// EmergencyClose cancels a basket's resting orders and exits its
	// inventory below market.
	EmergencyClose(ctx context.Context, basketID string) (types.CloseResult, error)
	// SetGate flips the persisted trading gate.
	SetGate(ctx context.Context, status types.GateStatus) error
	// Events is the stream fanned out to websocket clients.
	Events() <-chan Event
}

// Status is the operator-facing view of the whole bot.
type Status struct {
	Timestamp time.Time      `json:"timestamp"`
	Gate      string         `json:"gate"`
	DryRun    bool           `json:"dry_run"`
	Pair      string         `json:"pair"`
	Cycles    int64          `json:"cycles"`
	Baskets   []BasketStatus `json:"baskets"`

	// LastSnapshot is the most recent persisted balance snapshot; nil
	// until the first snapshot cycle has run.
	LastSnapshot *types.AccountSnapshot `json:"last_snapshot,omitempty"`
}

// BasketStatus summarizes one basket: its grid anchor, accumulated
// inventory and the order/fill counts behind it.
type BasketStatus struct {
	ID          string          `json:"id"`
	Pair        string          `json:"pair"`
	Status      string          `json:"status"`
	AnchorPrice decimal.Decimal `json:"anchor_price"`
	CreatedAt   time.Time       `json:"created_at"`

	Position   decimal.Decimal `json:"position"`
	QuoteSpent decimal.Decimal `json:"quote_spent"`
	OpenOrders int             `json:"open_orders"`
	Fills      int             `json:"fills"`

	// AvgPrice is the VWAP over buy fills; nil while the basket has
	// no buys.
	AvgPrice *decimal.Decimal `json:"avg_price,omitempty"`
}
