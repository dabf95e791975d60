// Package risk suspends order placement when the market crashes faster
// than the grid is built for.
//
// The guard keeps a rolling price anchor per pair. On every cycle the
// engine feeds it the last trade price; when the price falls more than
// crash_drop_pct below the anchor within crash_window_sec, the guard
// trips and stays tripped for cooldown_sec. A tripped guard suppresses
// the executor the same way the operator gate does: the loop keeps
// observing, syncing fills and planning, but places and cancels
// nothing.
//
// Rallies never trip the guard. A rising market fills the take-profit
// sells, which is the exit the grid wants; only a falling knife needs
// keeping the buys away from.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
	"gridbot/internal/metrics"
)

// priceAnchor is the reference price at the start of the rolling
// window.
type priceAnchor struct {
	price decimal.Decimal
	setAt time.Time
}

// Guard is the in-memory crash breaker. It deliberately does not touch
// the persisted gate; that toggle belongs to the operator alone.
type Guard struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu      sync.Mutex
	anchors map[string]priceAnchor
	tripped bool
	until   time.Time
	reason  string
}

func NewGuard(cfg config.RiskConfig, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:     cfg,
		logger:  logger.With("component", "guard"),
		anchors: make(map[string]priceAnchor),
	}
}

// Observe feeds one price sample. When the anchor for the pair is
// missing or older than the window, the sample becomes the new anchor;
// otherwise the drop from the anchor is measured against the threshold.
func (g *Guard) Observe(pair string, price decimal.Decimal, now time.Time) {
	if !g.cfg.Enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	window := time.Duration(g.cfg.CrashWindowSec) * time.Second
	anchor, ok := g.anchors[pair]
	if !ok || now.Sub(anchor.setAt) > window {
		g.anchors[pair] = priceAnchor{price: price, setAt: now}
		return
	}
	if anchor.price.Sign() <= 0 {
		return
	}

	drop := anchor.price.Sub(price).Div(anchor.price)
	if drop.GreaterThan(decimal.NewFromFloat(g.cfg.CrashDropPct)) {
		g.trip(pair, drop, now)
	}
}

// Tripped reports whether placement is suspended and why. An expired
// cooldown clears the trip on the way out.
func (g *Guard) Tripped(now time.Time) (string, bool) {
	if !g.cfg.Enabled {
		return "", false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.tripped {
		return "", false
	}
	if now.After(g.until) {
		g.tripped = false
		g.reason = ""
		g.logger.Info("crash guard cooldown expired")
		return "", false
	}
	return g.reason, true
}

func (g *Guard) trip(pair string, drop decimal.Decimal, now time.Time) {
	cooldown := time.Duration(g.cfg.CooldownSec) * time.Second
	g.tripped = true
	g.until = now.Add(cooldown)
	g.reason = fmt.Sprintf("%s fell %s%% inside %ds",
		pair, drop.Mul(decimal.NewFromInt(100)).StringFixed(1), g.cfg.CrashWindowSec)

	metrics.GuardTrips.Inc()
	g.logger.Error("crash guard tripped",
		"pair", pair,
		"drop", drop,
		"cooldown_until", g.until,
	)
}
