package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"gridbot/internal/exchange"
	"gridbot/pkg/types"
)

// Venue is the slice of the exchange client the engine consumes. Tests
// substitute an in-memory venue; production passes *exchange.Client.
type Venue interface {
	AccountInfo(ctx context.Context) (map[string]types.Balance, error)
	OpenOrders(ctx context.Context, pair string) ([]types.OpenOrder, error)
	PlaceOrder(ctx context.Context, pair string, side types.Side, typ types.OrderType, price, qty decimal.Decimal, clientID string) (types.OpenOrder, error)
	CancelOrder(ctx context.Context, pair, clientID string) error
	CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error)
	MyTrades(ctx context.Context, pair string, sinceMs int64) ([]types.Trade, error)
}

var _ Venue = (*exchange.Client)(nil)
