// Package engine runs the grid bot's control loop.
//
// One cycle, repeated on a fixed cadence:
//
//  1. Fill sync per traded pair: new executions from venue trade
//     history are attributed to tracked orders and persisted.
//  2. Per basket, sequentially: refresh venue state, plan the grid,
//     diff the plan against resting orders, execute the churn.
//  3. A basket with nothing to do and no inventory is re-anchored to
//     the current price and planned once more.
//  4. Every Nth cycle, account balances are snapshotted.
//
// A stopped gate or a tripped crash guard suppresses only the execute
// step. Observation, fill sync, planning and the diff keep running, so
// the operator sees what the bot would do and state stays current.
//
// Errors never abort the loop. Each failing step degrades to a log
// line and a metric and is retried on the next tick.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/api"
	"gridbot/internal/config"
	"gridbot/internal/exchange"
	"gridbot/internal/metrics"
	"gridbot/internal/reconcile"
	"gridbot/internal/risk"
	"gridbot/internal/store"
	"gridbot/internal/strategy"
	"gridbot/pkg/types"
)

// Engine owns the cycle goroutine and serializes it with the admin
// operations (basket creation, gate flips, emergency close) so the
// venue and the store always see one writer at a time.
type Engine struct {
	cfg     *config.Config
	venue   Venue
	store   *store.Store
	filters *exchange.FilterCache
	exec    *Executor
	closer  *Closer
	guard   *risk.Guard
	logger  *slog.Logger

	// events feeds the admin websocket stream. Sends never block; a
	// slow consumer just misses events.
	events chan api.Event

	mu       sync.Mutex
	cycles   atomic.Int64
	lastSync map[string]int64 // pair → newest trade time seen, unix ms

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine. The venue is an interface so tests can run the
// full loop against an in-memory exchange.
func New(cfg *config.Config, venue Venue, st *store.Store, filters *exchange.FilterCache, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		venue:    venue,
		store:    st,
		filters:  filters,
		exec:     NewExecutor(venue, st, logger),
		closer:   NewCloser(venue, st, filters, decimal.NewFromFloat(cfg.Emergency.SafetyMargin), logger),
		guard:    risk.NewGuard(cfg.Risk, logger),
		logger:   logger.With("component", "engine"),
		events:   make(chan api.Event, 256),
		lastSync: make(map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the cycle loop.
func (e *Engine) Start() error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
	return nil
}

// Stop halts the loop and waits for the in-flight cycle to finish.
// Resting orders are left on the venue; the grid is designed to be
// picked up again by the next start.
func (e *Engine) Stop() {
	e.logger.Info("shutting down")
	e.cancel()
	e.wg.Wait()
	e.logger.Info("shutdown complete")
}

func (e *Engine) run() {
	interval := time.Duration(e.cfg.Orchestrator.CycleSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.cycle(e.ctx)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.cycle(e.ctx)
		}
	}
}

// cycle runs one full pass. It never returns an error: every failure
// is logged and counted so the loop always reaches the next tick.
func (e *Engine) cycle(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer metrics.ObserveCycle(start)
	n := e.cycles.Add(1)

	gate, err := e.store.GateStatus(ctx)
	if err != nil {
		metrics.CycleErrors.Inc()
		e.logger.Error("gate status", "error", err)
		return
	}
	metrics.SetGate(gate == types.GateRunning)

	// A stopped gate does not pause the loop. Observation, fill sync
	// and planning keep running; only the execute step is withheld.
	e.trade(ctx, gate == types.GateStopped)

	if n%int64(e.cfg.Orchestrator.SnapshotEvery) == 0 {
		if err := e.snapshot(ctx); err != nil {
			metrics.CycleErrors.Inc()
			e.logger.Error("account snapshot", "error", err)
		}
	}
	e.logger.Debug("cycle complete", "cycle", n, "gate", gate, "duration", time.Since(start))
}

// trade is the per-cycle trading pass over every active basket.
func (e *Engine) trade(ctx context.Context, gated bool) {
	baskets, err := e.store.ActiveBaskets(ctx)
	if err != nil {
		metrics.CycleErrors.Inc()
		e.logger.Error("list active baskets", "error", err)
		return
	}
	if len(baskets) == 0 && e.cfg.Orchestrator.AutoCreate {
		b, err := e.createBasket(ctx, decimal.Zero)
		if err != nil {
			metrics.CycleErrors.Inc()
			e.logger.Error("auto-create basket", "error", err)
			return
		}
		baskets = []types.Basket{*b}
	}

	for _, pair := range tradedPairs(baskets) {
		if err := e.syncFills(ctx, pair); err != nil {
			metrics.CycleErrors.Inc()
			e.logger.Error("fill sync", "pair", pair, "error", err)
		}
	}

	for i := range baskets {
		if err := e.processBasket(ctx, &baskets[i], gated); err != nil {
			metrics.CycleErrors.Inc()
			e.logger.Error("basket cycle", "basket", baskets[i].ID, "error", err)
		}
	}
}

// tradedPairs lists the distinct pairs across baskets, oldest basket
// first, so fill sync runs once per pair per cycle.
func tradedPairs(baskets []types.Basket) []string {
	seen := make(map[string]bool, len(baskets))
	var pairs []string
	for _, b := range baskets {
		if !seen[b.Pair] {
			seen[b.Pair] = true
			pairs = append(pairs, b.Pair)
		}
	}
	return pairs
}

// processBasket runs plan → diff → execute for one basket. With gated
// set, everything up to and including the diff still happens; only the
// execute step is withheld.
func (e *Engine) processBasket(ctx context.Context, b *types.Basket, gated bool) error {
	filters, err := e.filters.Get(ctx, b.Pair)
	if err != nil {
		return err
	}
	price, err := e.venue.CurrentPrice(ctx, b.Pair)
	if err != nil {
		return err
	}
	e.guard.Observe(b.Pair, price, time.Now().UTC())

	open, err := e.venue.OpenOrders(ctx, b.Pair)
	if err != nil {
		return err
	}

	owned := make([]types.OpenOrder, 0, len(open))
	for _, o := range open {
		if !types.OwnsClientID(o.ClientOrderID, b.Pair, b.ID) {
			continue
		}
		owned = append(owned, o)
		e.refreshOrder(ctx, b.ID, o)
	}
	metrics.OpenOrders.WithLabelValues(b.Pair).Set(float64(len(owned)))

	fills, err := e.store.FillsByBasket(ctx, b.ID)
	if err != nil {
		return err
	}
	position := strategy.NewBook(fills).Position()
	metrics.PositionBase.WithLabelValues(b.Pair).Set(position.InexactFloat64())

	balances, err := e.venue.AccountInfo(ctx)
	if err != nil {
		return err
	}

	in := strategy.Input{
		Params:    b.Config,
		Filters:   filters,
		BasketID:  b.ID,
		CreatedAt: b.CreatedAt,
		Position:  position,
		QuoteFree: balances[filters.QuoteAsset].Free,
		Fills:     fills,
		LastPrice: price,
		Now:       time.Now().UTC(),
	}
	plan, err := strategy.Build(in)
	if err != nil {
		return err
	}

	if plan.Meta.ReanchorSuggested && types.IsFlat(position) {
		plan, err = e.reanchor(ctx, b, price, in)
		if err != nil {
			return err
		}
	}

	desired := make([]types.OrderSpec, 0, len(plan.Buys)+len(plan.Sells))
	desired = append(desired, plan.Buys...)
	desired = append(desired, plan.Sells...)

	res := reconcile.Diff(desired, owned)

	if gated {
		e.logger.Info("gate stopped, executor skipped",
			"basket", b.ID, "would_cancel", len(res.ToCancel), "would_create", len(res.ToCreate))
		return nil
	}
	if reason, tripped := e.guard.Tripped(time.Now().UTC()); tripped {
		e.logger.Warn("crash guard tripped, executor skipped",
			"basket", b.ID, "reason", reason,
			"would_cancel", len(res.ToCancel), "would_create", len(res.ToCreate))
		return nil
	}

	stats := e.exec.Apply(ctx, b.ID, b.Pair, res, filters)
	if stats.Canceled+stats.Created+stats.Skipped+stats.Failed > 0 {
		e.logger.Info("basket reconciled",
			"basket", b.ID,
			"canceled", stats.Canceled,
			"created", stats.Created,
			"unchanged", res.Counters.Unchanged,
			"skipped", stats.Skipped,
			"failed", stats.Failed,
		)
		e.emit(api.Event{Type: api.EventReconcile, BasketID: b.ID, Data: api.ReconcileEvent{
			Canceled:  stats.Canceled,
			Created:   stats.Created,
			Unchanged: res.Counters.Unchanged,
			Skipped:   stats.Skipped,
			Failed:    stats.Failed,
		}})
	}
	return nil
}

// reanchor moves an idle, flat basket's grid to the current price and
// plans it once more in the same cycle.
func (e *Engine) reanchor(ctx context.Context, b *types.Basket, price decimal.Decimal, in strategy.Input) (strategy.Plan, error) {
	old := b.AnchorPrice
	cfg := b.Config
	cfg.AnchorPrice = price
	if err := e.store.ReanchorBasket(ctx, b.ID, price, cfg); err != nil {
		return strategy.Plan{}, err
	}
	b.AnchorPrice = price
	b.Config = cfg

	metrics.ReanchorsTotal.Inc()
	e.logger.Info("basket reanchored", "basket", b.ID, "old_anchor", old, "new_anchor", price)
	e.emit(api.Event{Type: api.EventReanchor, BasketID: b.ID, Data: api.ReanchorEvent{
		OldAnchor: old,
		NewAnchor: price,
	}})

	in.Params = cfg
	return strategy.Build(in)
}

// refreshOrder folds a venue-observed resting order back into the
// store. This repairs venue ids lost to a crash between placement and
// persistence, and keeps partially-filled statuses current.
func (e *Engine) refreshOrder(ctx context.Context, basketID string, o types.OpenOrder) {
	now := time.Now().UTC()
	err := e.store.UpsertOrder(ctx, &types.Order{
		BasketID:      basketID,
		VenueOrderID:  o.VenueOrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Type:          o.Type,
		Price:         o.Price,
		Qty:           o.OrigQty,
		Status:        o.Status,
		UpdatedAt:     now,
	})
	if err != nil {
		e.logger.Error("refresh order", "client_id", o.ClientOrderID, "error", err)
	}
}

// syncFills pulls trade history since the last high-water mark and
// attributes each execution to its tracked order by venue order id.
// Unattributable trades (manual trading on the same account) are
// logged and skipped.
func (e *Engine) syncFills(ctx context.Context, pair string) error {
	since, ok := e.lastSync[pair]
	if !ok {
		lookback := time.Duration(e.cfg.Orchestrator.FillLookbackHours) * time.Hour
		since = time.Now().Add(-lookback).UnixMilli()
	}

	trades, err := e.venue.MyTrades(ctx, pair, since)
	if err != nil {
		return err
	}

	newest := since
	touched := make(map[int64]*types.Order)
	for _, tr := range trades {
		if ms := tr.Time.UnixMilli(); ms > newest {
			newest = ms
		}
		order, err := e.store.OrderByVenueID(ctx, tr.VenueOrderID)
		if err != nil {
			return err
		}
		if order == nil {
			e.logger.Debug("trade without a tracked order",
				"venue_order_id", tr.VenueOrderID, "trade_id", tr.TradeID)
			continue
		}

		fill := &types.Fill{
			VenueTradeID:    tr.TradeID,
			OrderID:         order.ID,
			BasketID:        order.BasketID,
			Side:            tr.Side(),
			Price:           tr.Price,
			Qty:             tr.Qty,
			Commission:      tr.Commission,
			CommissionAsset: tr.CommissionAsset,
			ExecutedAt:      tr.Time,
		}
		inserted, err := e.store.InsertFill(ctx, fill)
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}
		metrics.FillsRecorded.Inc()
		touched[order.ID] = order
		e.logger.Info("fill recorded",
			"basket", order.BasketID,
			"client_id", order.ClientOrderID,
			"side", fill.Side,
			"price", fill.Price,
			"qty", fill.Qty,
		)
		e.emit(api.Event{Type: api.EventFill, BasketID: order.BasketID, Data: api.FillEvent{
			ClientID:   order.ClientOrderID,
			Side:       string(fill.Side),
			Price:      fill.Price,
			Qty:        fill.Qty,
			ExecutedAt: fill.ExecutedAt,
		}})
	}
	e.lastSync[pair] = newest

	for _, order := range touched {
		if err := e.settleOrderStatus(ctx, order); err != nil {
			return err
		}
	}
	return nil
}

// settleOrderStatus recomputes an order's status from its cumulative
// fills: fully covered means filled, anything less means partial.
func (e *Engine) settleOrderStatus(ctx context.Context, order *types.Order) error {
	fills, err := e.store.FillsByBasket(ctx, order.BasketID)
	if err != nil {
		return err
	}
	executed := decimal.Zero
	var last time.Time
	for _, f := range fills {
		if f.OrderID != order.ID {
			continue
		}
		executed = executed.Add(f.Qty)
		if f.ExecutedAt.After(last) {
			last = f.ExecutedAt
		}
	}

	status := types.OrderStatusPartiallyFilled
	var filledAt *time.Time
	if order.Qty.Sub(executed).LessThanOrEqual(types.Epsilon) {
		status = types.OrderStatusFilled
		filledAt = &last
	}
	return e.store.UpdateOrderStatus(ctx, order.ClientOrderID, status, filledAt)
}

// snapshot persists the account's quote/base balances and their total
// value at the current price.
func (e *Engine) snapshot(ctx context.Context) error {
	balances, err := e.venue.AccountInfo(ctx)
	if err != nil {
		return err
	}
	filters, err := e.filters.Get(ctx, e.cfg.Grid.Pair)
	if err != nil {
		return err
	}
	price, err := e.venue.CurrentPrice(ctx, e.cfg.Grid.Pair)
	if err != nil {
		return err
	}

	quote := balances[filters.QuoteAsset]
	base := balances[filters.BaseAsset]
	total := quote.Free.Add(quote.Locked).Add(base.Free.Add(base.Locked).Mul(price))

	snap := &types.AccountSnapshot{
		TS:         time.Now().UTC(),
		QuoteFree:  quote.Free,
		BaseFree:   base.Free,
		TotalValue: total,
	}
	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	metrics.AccountValue.Set(total.InexactFloat64())
	e.logger.Info("account snapshot",
		"quote_free", quote.Free, "base_free", base.Free, "total_value", total)
	return nil
}

// createBasket opens a new basket from the configured grid. Anchor
// precedence: the caller's override, then the configured price, then
// the market.
func (e *Engine) createBasket(ctx context.Context, anchor decimal.Decimal) (*types.Basket, error) {
	params := e.cfg.Grid.Params()
	if anchor.Sign() <= 0 {
		anchor = params.AnchorPrice
	}
	if anchor.Sign() <= 0 {
		price, err := e.venue.CurrentPrice(ctx, e.cfg.Grid.Pair)
		if err != nil {
			return nil, err
		}
		anchor = price
	}
	params.AnchorPrice = anchor

	b := &types.Basket{
		ID:          types.NewBasketID(),
		Pair:        e.cfg.Grid.Pair,
		AnchorPrice: anchor,
		Status:      types.BasketActive,
		Config:      params,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateBasket(ctx, b); err != nil {
		return nil, err
	}
	e.logger.Info("basket created", "basket", b.ID, "pair", b.Pair, "anchor", anchor)
	e.emit(api.Event{Type: api.EventBasket, BasketID: b.ID, Data: b})
	return b, nil
}

// Admin surface. These methods implement api.Source; the admin server
// calls them from request handlers while the loop may be mid-cycle,
// hence the mutex.

var _ api.Source = (*Engine)(nil)

// Events returns the admin event stream.
func (e *Engine) Events() <-chan api.Event {
	return e.events
}

// CreateBasket opens a basket on operator request. A positive anchor
// overrides the configured anchor price.
func (e *Engine) CreateBasket(ctx context.Context, anchor decimal.Decimal) (*types.Basket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.createBasket(ctx, anchor)
}

// EmergencyClose cancels a basket's orders and exits its inventory.
func (e *Engine) EmergencyClose(ctx context.Context, basketID string) (types.CloseResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, err := e.closer.Close(ctx, basketID)
	if err == nil {
		e.emit(api.Event{Type: api.EventEmergencyClose, BasketID: basketID, Data: res})
	}
	return res, err
}

// SetGate flips the trading gate. The change takes effect at the next
// cycle boundary.
func (e *Engine) SetGate(ctx context.Context, status types.GateStatus) error {
	if err := e.store.SetGateStatus(ctx, status); err != nil {
		return err
	}
	metrics.SetGate(status == types.GateRunning)
	e.logger.Info("gate changed", "status", status)
	e.emit(api.Event{Type: api.EventGate, Data: api.GateEvent{Status: string(status)}})
	return nil
}

// Status assembles the operator-facing view of every active basket.
func (e *Engine) Status(ctx context.Context) (api.Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gate, err := e.store.GateStatus(ctx)
	if err != nil {
		return api.Status{}, err
	}
	baskets, err := e.store.ActiveBaskets(ctx)
	if err != nil {
		return api.Status{}, err
	}

	snap, err := e.store.LatestSnapshot(ctx)
	if err != nil {
		return api.Status{}, err
	}

	st := api.Status{
		Timestamp:    time.Now().UTC(),
		Gate:         string(gate),
		DryRun:       e.cfg.Exchange.DryRun,
		Pair:         e.cfg.Grid.Pair,
		Cycles:       e.cycles.Load(),
		LastSnapshot: snap,
	}
	for _, b := range baskets {
		fills, err := e.store.FillsByBasket(ctx, b.ID)
		if err != nil {
			return api.Status{}, err
		}
		open, err := e.store.OpenOrdersByBasket(ctx, b.ID)
		if err != nil {
			return api.Status{}, err
		}
		book := strategy.NewBook(fills)

		bs := api.BasketStatus{
			ID:          b.ID,
			Pair:        b.Pair,
			Status:      string(b.Status),
			AnchorPrice: b.AnchorPrice,
			CreatedAt:   b.CreatedAt,
			Position:    book.Position(),
			QuoteSpent:  book.QuoteSpent(),
			OpenOrders:  len(open),
			Fills:       len(fills),
		}
		if avg, ok := book.VWAP(); ok {
			bs.AvgPrice = &avg
		}
		st.Baskets = append(st.Baskets, bs)
	}
	return st, nil
}

// emit pushes an event to the admin stream without ever blocking the
// loop; a full buffer drops the event.
func (e *Engine) emit(evt api.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case e.events <- evt:
	default:
	}
}
