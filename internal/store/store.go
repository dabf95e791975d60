// Package store persists baskets, orders, fills, and account snapshots
// in a single SQLite database.
//
// Money columns are stored as exact decimal strings and timestamps as
// unix milliseconds, matching the venue's native trade timestamps. Fills
// carry a UNIQUE venue trade id, so re-reading an overlapping
// trade-history window is harmless. Multi-step mutations (the emergency
// close) run inside WithTx so a crash mid-sequence rolls back cleanly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS baskets (
	id           TEXT PRIMARY KEY,
	pair         TEXT NOT NULL,
	anchor_price TEXT NOT NULL,
	status       TEXT NOT NULL,
	config       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	closed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_baskets_status ON baskets(status);

CREATE TABLE IF NOT EXISTS orders (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	basket_id       TEXT NOT NULL REFERENCES baskets(id),
	venue_order_id  INTEGER NOT NULL DEFAULT 0,
	client_order_id TEXT NOT NULL UNIQUE,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	price           TEXT NOT NULL,
	qty             TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	filled_at       INTEGER,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_basket ON orders(basket_id);
CREATE INDEX IF NOT EXISTS idx_orders_venue  ON orders(venue_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS fills (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	venue_trade_id   INTEGER NOT NULL UNIQUE,
	order_id         INTEGER NOT NULL,
	basket_id        TEXT NOT NULL,
	side             TEXT NOT NULL,
	price            TEXT NOT NULL,
	qty              TEXT NOT NULL,
	commission       TEXT NOT NULL,
	commission_asset TEXT NOT NULL,
	executed_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_basket ON fills(basket_id);
CREATE INDEX IF NOT EXISTS idx_fills_order  ON fills(order_id);

CREATE TABLE IF NOT EXISTS account_snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	quote_free  TEXT NOT NULL,
	base_free   TEXT NOT NULL,
	total_value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// gateKey is the bot_config row holding the run/stop toggle.
const gateKey = "system_status"

// Store wraps the SQLite handle. Safe for concurrent use; SQLite's
// busy timeout handles writer contention.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx exposes the mutators the emergency closer needs inside one
// serializable transaction.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a serializable transaction. Any error from fn
// rolls the whole sequence back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// runner is the common surface of *sql.DB and *sql.Tx, so every query
// below works identically inside and outside a transaction.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ————————————————————————————————————————————————————————————————————————
// Baskets
// ————————————————————————————————————————————————————————————————————————

// CreateBasket inserts a new basket with its parameter snapshot.
func (s *Store) CreateBasket(ctx context.Context, b *types.Basket) error {
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return fmt.Errorf("marshal basket config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO baskets (id, pair, anchor_price, status, config, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Pair, b.AnchorPrice.String(), string(b.Status), string(cfg),
		b.CreatedAt.UnixMilli(), nullMillis(b.ClosedAt))
	if err != nil {
		return fmt.Errorf("insert basket: %w", err)
	}
	return nil
}

// GetBasket loads one basket by id. Returns nil, nil when absent.
func (s *Store) GetBasket(ctx context.Context, id string) (*types.Basket, error) {
	return getBasket(ctx, s.db, id)
}

// GetBasket is the transactional variant.
func (t *Tx) GetBasket(ctx context.Context, id string) (*types.Basket, error) {
	return getBasket(ctx, t.tx, id)
}

func getBasket(ctx context.Context, r runner, id string) (*types.Basket, error) {
	row := r.QueryRowContext(ctx,
		`SELECT id, pair, anchor_price, status, config, created_at, closed_at
		 FROM baskets WHERE id = ?`, id)
	b, err := scanBasket(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load basket %s: %w", id, err)
	}
	return b, nil
}

// ActiveBaskets returns baskets in status active, oldest first.
func (s *Store) ActiveBaskets(ctx context.Context) ([]types.Basket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pair, anchor_price, status, config, created_at, closed_at
		 FROM baskets WHERE status = ? ORDER BY created_at, id`, string(types.BasketActive))
	if err != nil {
		return nil, fmt.Errorf("query active baskets: %w", err)
	}
	defer rows.Close()

	var baskets []types.Basket
	for rows.Next() {
		b, err := scanBasket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan basket: %w", err)
		}
		baskets = append(baskets, *b)
	}
	return baskets, rows.Err()
}

// UpdateBasketStatus moves a basket through its lifecycle. closedAt may
// be nil for transitions that keep the basket open.
func (s *Store) UpdateBasketStatus(ctx context.Context, id string, status types.BasketStatus, closedAt *time.Time) error {
	return updateBasketStatus(ctx, s.db, id, status, closedAt)
}

// UpdateBasketStatus is the transactional variant.
func (t *Tx) UpdateBasketStatus(ctx context.Context, id string, status types.BasketStatus, closedAt *time.Time) error {
	return updateBasketStatus(ctx, t.tx, id, status, closedAt)
}

func updateBasketStatus(ctx context.Context, r runner, id string, status types.BasketStatus, closedAt *time.Time) error {
	res, err := r.ExecContext(ctx,
		`UPDATE baskets SET status = ?, closed_at = ? WHERE id = ?`,
		string(status), nullMillis(closedAt), id)
	if err != nil {
		return fmt.Errorf("update basket %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update basket %s status: no such basket", id)
	}
	return nil
}

// ReanchorBasket records a new anchor price for a basket that stays
// active across a reanchor. The parameter snapshot is rewritten since
// the anchor lives inside it.
func (s *Store) ReanchorBasket(ctx context.Context, id string, anchor decimal.Decimal, cfg types.GridParams) error {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal basket config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE baskets SET anchor_price = ?, config = ? WHERE id = ?`,
		anchor.String(), string(blob), id)
	if err != nil {
		return fmt.Errorf("reanchor basket %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reanchor basket %s: no such basket", id)
	}
	return nil
}

func scanBasket(sc rowScanner) (*types.Basket, error) {
	var (
		b         types.Basket
		anchor    string
		cfg       string
		createdAt int64
		closedAt  sql.NullInt64
	)
	if err := sc.Scan(&b.ID, &b.Pair, &anchor, &b.Status, &cfg, &createdAt, &closedAt); err != nil {
		return nil, err
	}
	var err error
	if b.AnchorPrice, err = decimal.NewFromString(anchor); err != nil {
		return nil, fmt.Errorf("anchor_price: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &b.Config); err != nil {
		return nil, fmt.Errorf("config blob: %w", err)
	}
	b.CreatedAt = fromMillis(createdAt)
	b.ClosedAt = millisPtr(closedAt)
	return &b, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// UpsertOrder writes an order row keyed by client order id. Replacing a
// drifted order reuses its client id, so a conflict updates the existing
// row in place (new venue id, price, qty, and a reset status).
func (s *Store) UpsertOrder(ctx context.Context, o *types.Order) error {
	return upsertOrder(ctx, s.db, o)
}

// UpsertOrder is the transactional variant.
func (t *Tx) UpsertOrder(ctx context.Context, o *types.Order) error {
	return upsertOrder(ctx, t.tx, o)
}

func upsertOrder(ctx context.Context, r runner, o *types.Order) error {
	now := o.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	_, err := r.ExecContext(ctx,
		`INSERT INTO orders (basket_id, venue_order_id, client_order_id, side, type, price, qty, status, created_at, filled_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(client_order_id) DO UPDATE SET
			venue_order_id = excluded.venue_order_id,
			price          = excluded.price,
			qty            = excluded.qty,
			status         = excluded.status,
			filled_at      = excluded.filled_at,
			updated_at     = excluded.updated_at`,
		o.BasketID, o.VenueOrderID, o.ClientOrderID, string(o.Side), string(o.Type),
		o.Price.String(), o.Qty.String(), string(o.Status),
		orderCreatedAt(o).UnixMilli(), nullMillis(o.FilledAt), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

func orderCreatedAt(o *types.Order) time.Time {
	if o.CreatedAt.IsZero() {
		return time.Now().UTC()
	}
	return o.CreatedAt
}

// OrderByVenueID resolves a venue order id back to the local order row,
// which is how trades from history are attributed to grid levels.
// Returns nil, nil when the venue id is unknown.
func (s *Store) OrderByVenueID(ctx context.Context, venueOrderID int64) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, basket_id, venue_order_id, client_order_id, side, type, price, qty, status, created_at, filled_at, updated_at
		 FROM orders WHERE venue_order_id = ?`, venueOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load order by venue id %d: %w", venueOrderID, err)
	}
	return o, nil
}

// OrdersByBasket returns every order row the basket has ever owned,
// oldest first.
func (s *Store) OrdersByBasket(ctx context.Context, basketID string) ([]types.Order, error) {
	return queryOrders(ctx, s.db,
		`SELECT id, basket_id, venue_order_id, client_order_id, side, type, price, qty, status, created_at, filled_at, updated_at
		 FROM orders WHERE basket_id = ? ORDER BY id`, basketID)
}

// OpenOrdersByBasket returns the basket's locally-open rows (status new
// or partially filled).
func (s *Store) OpenOrdersByBasket(ctx context.Context, basketID string) ([]types.Order, error) {
	return openOrdersByBasket(ctx, s.db, basketID)
}

// OpenOrdersByBasket is the transactional variant.
func (t *Tx) OpenOrdersByBasket(ctx context.Context, basketID string) ([]types.Order, error) {
	return openOrdersByBasket(ctx, t.tx, basketID)
}

func openOrdersByBasket(ctx context.Context, r runner, basketID string) ([]types.Order, error) {
	return queryOrders(ctx, r,
		`SELECT id, basket_id, venue_order_id, client_order_id, side, type, price, qty, status, created_at, filled_at, updated_at
		 FROM orders WHERE basket_id = ? AND status IN (?, ?) ORDER BY id`,
		basketID, string(types.OrderStatusNew), string(types.OrderStatusPartiallyFilled))
}

// UpdateOrderStatus sets an order's lifecycle state by client id. A nil
// filledAt leaves any recorded fill time untouched.
func (s *Store) UpdateOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus, filledAt *time.Time) error {
	return updateOrderStatus(ctx, s.db, clientOrderID, status, filledAt)
}

// UpdateOrderStatus is the transactional variant.
func (t *Tx) UpdateOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus, filledAt *time.Time) error {
	return updateOrderStatus(ctx, t.tx, clientOrderID, status, filledAt)
}

func updateOrderStatus(ctx context.Context, r runner, clientOrderID string, status types.OrderStatus, filledAt *time.Time) error {
	_, err := r.ExecContext(ctx,
		`UPDATE orders SET status = ?, filled_at = COALESCE(?, filled_at), updated_at = ?
		 WHERE client_order_id = ?`,
		string(status), nullMillis(filledAt), time.Now().UTC().UnixMilli(), clientOrderID)
	if err != nil {
		return fmt.Errorf("update order %s status: %w", clientOrderID, err)
	}
	return nil
}

func queryOrders(ctx context.Context, r runner, query string, args ...any) ([]types.Order, error) {
	rows, err := r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanOrder(sc rowScanner) (*types.Order, error) {
	var (
		o          types.Order
		price, qty string
		createdAt  int64
		filledAt   sql.NullInt64
		updatedAt  int64
	)
	if err := sc.Scan(&o.ID, &o.BasketID, &o.VenueOrderID, &o.ClientOrderID,
		&o.Side, &o.Type, &price, &qty, &o.Status, &createdAt, &filledAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if o.Qty, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("qty: %w", err)
	}
	o.CreatedAt = fromMillis(createdAt)
	o.FilledAt = millisPtr(filledAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return &o, nil
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// InsertFill records one execution. The venue trade id is UNIQUE, so a
// trade already seen is skipped; the bool reports whether a row landed.
func (s *Store) InsertFill(ctx context.Context, f *types.Fill) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO fills (venue_trade_id, order_id, basket_id, side, price, qty, commission, commission_asset, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.VenueTradeID, f.OrderID, f.BasketID, string(f.Side),
		f.Price.String(), f.Qty.String(), f.Commission.String(), f.CommissionAsset,
		f.ExecutedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("insert fill %d: %w", f.VenueTradeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fill %d: %w", f.VenueTradeID, err)
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		f.ID = id
	}
	return true, nil
}

// FillTotals sums executed quantity by side for one basket; the net
// position is buys minus sells. The sums run in Go over the exact
// decimal strings; SQL SUM would coerce the TEXT columns to floats.
func (s *Store) FillTotals(ctx context.Context, basketID string) (buyQty, sellQty decimal.Decimal, err error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT side, qty FROM fills WHERE basket_id = ?`, basketID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("query fill totals: %w", err)
	}
	defer rows.Close()

	buyQty, sellQty = decimal.Zero, decimal.Zero
	for rows.Next() {
		var side, qtyStr string
		if err := rows.Scan(&side, &qtyStr); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("scan fill total: %w", err)
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("fill qty: %w", err)
		}
		if types.Side(side) == types.BUY {
			buyQty = buyQty.Add(qty)
		} else {
			sellQty = sellQty.Add(qty)
		}
	}
	return buyQty, sellQty, rows.Err()
}

// FillsByBasket returns the basket's executions in time order.
func (s *Store) FillsByBasket(ctx context.Context, basketID string) ([]types.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, venue_trade_id, order_id, basket_id, side, price, qty, commission, commission_asset, executed_at
		 FROM fills WHERE basket_id = ? ORDER BY executed_at, id`, basketID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []types.Fill
	for rows.Next() {
		var (
			f                      types.Fill
			price, qty, commission string
			executedAt             int64
		)
		if err := rows.Scan(&f.ID, &f.VenueTradeID, &f.OrderID, &f.BasketID, &f.Side,
			&price, &qty, &commission, &f.CommissionAsset, &executedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		if f.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("fill price: %w", err)
		}
		if f.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("fill qty: %w", err)
		}
		if f.Commission, err = decimal.NewFromString(commission); err != nil {
			return nil, fmt.Errorf("fill commission: %w", err)
		}
		f.ExecutedAt = fromMillis(executedAt)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Snapshots and the gate
// ————————————————————————————————————————————————————————————————————————

// InsertSnapshot records a periodic account snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap *types.AccountSnapshot) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO account_snapshots (ts, quote_free, base_free, total_value) VALUES (?, ?, ?, ?)`,
		snap.TS.UnixMilli(), snap.QuoteFree.String(), snap.BaseFree.String(), snap.TotalValue.String())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		snap.ID = id
	}
	return nil
}

// LatestSnapshot returns the most recent account snapshot, or nil when
// none has been taken yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*types.AccountSnapshot, error) {
	var (
		snap       types.AccountSnapshot
		ts         int64
		quoteFree  string
		baseFree   string
		totalValue string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ts, quote_free, base_free, total_value
		 FROM account_snapshots ORDER BY ts DESC, id DESC LIMIT 1`).
		Scan(&snap.ID, &ts, &quoteFree, &baseFree, &totalValue)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot: %w", err)
	}
	if snap.QuoteFree, err = decimal.NewFromString(quoteFree); err != nil {
		return nil, fmt.Errorf("snapshot quote_free: %w", err)
	}
	if snap.BaseFree, err = decimal.NewFromString(baseFree); err != nil {
		return nil, fmt.Errorf("snapshot base_free: %w", err)
	}
	if snap.TotalValue, err = decimal.NewFromString(totalValue); err != nil {
		return nil, fmt.Errorf("snapshot total_value: %w", err)
	}
	snap.TS = fromMillis(ts)
	return &snap, nil
}

// GateStatus reads the run/stop toggle. An absent row means running; the
// row only exists once someone has flipped the gate.
func (s *Store) GateStatus(ctx context.Context) (types.GateStatus, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bot_config WHERE key = ?`, gateKey).Scan(&value)
	if err == sql.ErrNoRows {
		return types.GateRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("read gate: %w", err)
	}
	if types.GateStatus(value) == types.GateStopped {
		return types.GateStopped, nil
	}
	return types.GateRunning, nil
}

// SetGateStatus flips the run/stop toggle.
func (s *Store) SetGateStatus(ctx context.Context, status types.GateStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_config (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		gateKey, string(status))
	if err != nil {
		return fmt.Errorf("set gate: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Time helpers
// ————————————————————————————————————————————————————————————————————————

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
