package engine

import (
	"context"
	"log/slog"
	"time"

	"gridbot/internal/exchange"
	"gridbot/internal/metrics"
	"gridbot/internal/reconcile"
	"gridbot/internal/store"
	"gridbot/pkg/types"
)

// Executor turns a reconciliation result into venue calls: cancels
// first, then creates, validating every create against the venue
// filters before it goes out. Individual failures are logged and
// counted; they never abort the batch.
type Executor struct {
	venue  Venue
	store  *store.Store
	logger *slog.Logger
}

func NewExecutor(venue Venue, st *store.Store, logger *slog.Logger) *Executor {
	return &Executor{
		venue:  venue,
		store:  st,
		logger: logger.With("component", "executor"),
	}
}

// ApplyStats counts what one Apply pass actually did.
type ApplyStats struct {
	Canceled int
	Created  int
	Skipped  int
	Failed   int
}

// Apply executes the diff for one basket. Cancel-then-create ordering
// frees quote balance before the new orders need it.
func (x *Executor) Apply(ctx context.Context, basketID, pair string, res reconcile.Result, filters types.FilterSet) ApplyStats {
	var stats ApplyStats

	for _, clientID := range res.ToCancel {
		err := x.venue.CancelOrder(ctx, pair, clientID)
		switch {
		case err == nil:
			stats.Canceled++
			metrics.OrdersCanceled.Inc()
			if serr := x.store.UpdateOrderStatus(ctx, clientID, types.OrderStatusCanceled, nil); serr != nil {
				x.logger.Error("mark order canceled", "client_id", clientID, "error", serr)
			}
		case exchange.IsUnknownOrder(err):
			// Already gone: filled or canceled out of band. Fill sync and
			// the open-order refresh settle the final status.
			x.logger.Info("cancel skipped, order already gone", "client_id", clientID)
		default:
			stats.Failed++
			metrics.OrderErrors.Inc()
			x.logger.Error("cancel order", "client_id", clientID, "error", err)
		}
	}

	for _, spec := range res.ToCreate {
		if err := exchange.ValidateSpec(spec, filters); err != nil {
			stats.Skipped++
			metrics.OrdersSkipped.Inc()
			x.logger.Warn("order fails venue filters, skipping", "client_id", spec.ClientID, "error", err)
			continue
		}

		placed, err := x.venue.PlaceOrder(ctx, pair, spec.Side, spec.Type, spec.Price, spec.Qty, spec.ClientID)
		switch {
		case err == nil:
			stats.Created++
			metrics.OrdersPlaced.Inc()
			if serr := x.persistPlaced(ctx, basketID, spec, placed); serr != nil {
				x.logger.Error("persist placed order", "client_id", spec.ClientID, "error", serr)
			}
		case exchange.IsDuplicateOrder(err):
			// The id is already resting on the venue, most likely from a
			// pass that died between placement and persistence. The next
			// open-order refresh re-learns its venue id.
			x.logger.Info("duplicate client id, order already resting", "client_id", spec.ClientID)
		default:
			stats.Failed++
			metrics.OrderErrors.Inc()
			x.logger.Error("place order", "client_id", spec.ClientID, "side", spec.Side,
				"price", spec.Price, "qty", spec.Qty, "error", err)
		}
	}

	return stats
}

// persistPlaced records the venue's acknowledgment, keyed by client id
// and carrying the venue order id that fill sync matches trades against.
func (x *Executor) persistPlaced(ctx context.Context, basketID string, spec types.OrderSpec, placed types.OpenOrder) error {
	status := placed.Status
	if status == "" {
		status = types.OrderStatusNew
	}
	now := time.Now().UTC()
	return x.store.UpsertOrder(ctx, &types.Order{
		BasketID:      basketID,
		VenueOrderID:  placed.VenueOrderID,
		ClientOrderID: spec.ClientID,
		Side:          spec.Side,
		Type:          spec.Type,
		Price:         spec.Price,
		Qty:           spec.Qty,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
}
