package api

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is the envelope for everything pushed over the admin websocket.
// Data holds the type-specific payload.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	BasketID  string      `json:"basket_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Event types.
const (
	EventStatus         = "status"    // full Status, sent once on connect
	EventReconcile      = "reconcile" // order churn for one basket cycle
	EventFill           = "fill"
	EventReanchor       = "reanchor"
	EventBasket         = "basket" // new basket created
	EventGate           = "gate"
	EventEmergencyClose = "emergency_close"
)

// ReconcileEvent reports one basket's order churn for a cycle. Emitted
// only for cycles that actually changed something.
type ReconcileEvent struct {
	Canceled  int `json:"canceled"`
	Created   int `json:"created"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// FillEvent reports one execution recorded during fill sync.
type FillEvent struct {
	ClientID   string          `json:"client_id"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ReanchorEvent reports a flat basket's grid moving to the current
// price.
type ReanchorEvent struct {
	OldAnchor decimal.Decimal `json:"old_anchor"`
	NewAnchor decimal.Decimal `json:"new_anchor"`
}

// GateEvent reports an operator start/stop.
type GateEvent struct {
	Status string `json:"status"`
}
