package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/exchange"
	"gridbot/internal/metrics"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

// Closer executes the emergency exit for one basket: cancel everything
// the basket has resting, then place a single marketable limit sell a
// safety margin under the current price. The basket itself stays
// active; the operator decides separately whether trading resumes.
type Closer struct {
	venue   Venue
	store   *store.Store
	filters *exchange.FilterCache
	margin  decimal.Decimal
	logger  *slog.Logger
}

func NewCloser(venue Venue, st *store.Store, filters *exchange.FilterCache, margin decimal.Decimal, logger *slog.Logger) *Closer {
	return &Closer{
		venue:   venue,
		store:   st,
		filters: filters,
		margin:  margin,
		logger:  logger.With("component", "closer"),
	}
}

// Close cancels the basket's resting orders and exits its inventory.
// Venue work happens first; the store is then updated in one
// transaction so a crash never leaves half the orders marked.
//
// The returned CloseResult is the operator-facing outcome. The error is
// non-nil only for infrastructure failures; a close that could not
// proceed (unknown basket, cancel failures) reports Success=false.
func (c *Closer) Close(ctx context.Context, basketID string) (types.CloseResult, error) {
	basket, err := c.store.GetBasket(ctx, basketID)
	if err != nil {
		return types.CloseResult{}, err
	}
	if basket == nil {
		return types.CloseResult{Message: fmt.Sprintf("no such basket %s", basketID)}, nil
	}
	if basket.Status != types.BasketActive {
		return types.CloseResult{Message: fmt.Sprintf("basket %s is %s", basketID, basket.Status)}, nil
	}

	metrics.EmergencyCloses.Inc()
	c.logger.Warn("emergency close started", "basket", basketID, "pair", basket.Pair)

	open, err := c.venue.OpenOrders(ctx, basket.Pair)
	if err != nil {
		return types.CloseResult{Message: "listing open orders failed"}, err
	}

	result := types.CloseResult{Success: true}
	var canceledIDs []string
	for _, o := range open {
		if !types.OwnsClientID(o.ClientOrderID, basket.Pair, basketID) {
			continue
		}
		err := c.venue.CancelOrder(ctx, basket.Pair, o.ClientOrderID)
		switch {
		case err == nil:
			result.CanceledCount++
			canceledIDs = append(canceledIDs, o.ClientOrderID)
			metrics.OrdersCanceled.Inc()
		case exchange.IsUnknownOrder(err):
			c.logger.Info("order already gone during close", "client_id", o.ClientOrderID)
		default:
			// Keep canceling the rest; one stuck order must not leave the
			// others resting during an emergency.
			result.Success = false
			result.Message = fmt.Sprintf("cancel %s: %v", o.ClientOrderID, err)
			c.logger.Error("cancel during close", "client_id", o.ClientOrderID, "error", err)
		}
	}

	buyQty, sellQty, err := c.store.FillTotals(ctx, basketID)
	if err != nil {
		return result, err
	}
	position := buyQty.Sub(sellQty)

	var exit *types.Order
	if types.IsFlat(position) {
		if result.Message == "" {
			result.Message = fmt.Sprintf("canceled %d orders, no inventory to exit", result.CanceledCount)
		}
	} else {
		exit, err = c.placeExit(ctx, basket, position)
		if err != nil {
			result.Success = false
			if result.Message == "" {
				result.Message = err.Error()
			}
			c.logger.Error("exit order", "basket", basketID, "error", err)
		}
	}
	result.ExitOrderPlaced = exit != nil

	if serr := c.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, clientID := range canceledIDs {
			if err := tx.UpdateOrderStatus(ctx, clientID, types.OrderStatusCanceled, nil); err != nil {
				return err
			}
		}
		if exit != nil {
			return tx.UpsertOrder(ctx, exit)
		}
		return nil
	}); serr != nil {
		return result, serr
	}

	if result.Message == "" {
		if result.ExitOrderPlaced {
			result.Message = fmt.Sprintf("canceled %d orders, exit order placed", result.CanceledCount)
		} else {
			result.Message = fmt.Sprintf("canceled %d orders, exit not placed", result.CanceledCount)
		}
	}
	c.logger.Warn("emergency close finished",
		"basket", basketID,
		"canceled", result.CanceledCount,
		"exit_placed", result.ExitOrderPlaced,
		"success", result.Success,
	)
	return result, nil
}

// placeExit sells the basket's whole position at current price less the
// safety margin, deep enough to cross the book immediately. Returns nil
// without error when the exit is already resting or rounds to nothing.
func (c *Closer) placeExit(ctx context.Context, basket *types.Basket, position decimal.Decimal) (*types.Order, error) {
	filters, err := c.filters.Get(ctx, basket.Pair)
	if err != nil {
		return nil, err
	}
	price, err := c.venue.CurrentPrice(ctx, basket.Pair)
	if err != nil {
		return nil, err
	}

	one := decimal.NewFromInt(1)
	exitPrice := types.RoundDownToStep(price.Mul(one.Sub(c.margin)), filters.TickSize)
	exitQty := types.RoundDownToStep(position, filters.LotSize)
	if exitQty.Sign() <= 0 {
		return nil, nil
	}

	spec := types.OrderSpec{
		Side:     types.SELL,
		Type:     types.OrderTypeLimit,
		Price:    exitPrice,
		Qty:      exitQty,
		ClientID: types.BuildClientID(basket.Pair, basket.ID, types.SELL, types.SlotEmergency),
	}
	if err := exchange.ValidateSpec(spec, filters); err != nil {
		return nil, fmt.Errorf("exit order: %w", err)
	}

	placed, err := c.venue.PlaceOrder(ctx, basket.Pair, spec.Side, spec.Type, spec.Price, spec.Qty, spec.ClientID)
	if err != nil {
		if exchange.IsDuplicateOrder(err) {
			// A previous close attempt already has the exit resting.
			c.logger.Info("exit order already resting", "client_id", spec.ClientID)
			return nil, nil
		}
		return nil, err
	}
	metrics.OrdersPlaced.Inc()

	status := placed.Status
	if status == "" {
		status = types.OrderStatusNew
	}
	now := time.Now().UTC()
	return &types.Order{
		BasketID:      basket.ID,
		VenueOrderID:  placed.VenueOrderID,
		ClientOrderID: spec.ClientID,
		Side:          spec.Side,
		Type:          spec.Type,
		Price:         spec.Price,
		Qty:           spec.Qty,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
