package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gridbot/internal/config"
)

func testGuardConfig() config.RiskConfig {
	return config.RiskConfig{
		Enabled:        true,
		CrashDropPct:   0.10, // 10%
		CrashWindowSec: 60,
		CooldownSec:    300,
	}
}

func newTestGuard(cfg config.RiskConfig) *Guard {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGuard(cfg, logger)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestObserveSmallMoveNoTrip(t *testing.T) {
	t.Parallel()
	g := newTestGuard(testGuardConfig())

	now := time.Now()
	g.Observe("SOLUSDC", d("150"), now)
	g.Observe("SOLUSDC", d("147"), now.Add(10*time.Second)) // 2% down

	if reason, tripped := g.Tripped(now.Add(11 * time.Second)); tripped {
		t.Errorf("guard tripped on a 2%% move: %s", reason)
	}
}

func TestObserveCrashTrips(t *testing.T) {
	t.Parallel()
	g := newTestGuard(testGuardConfig())

	now := time.Now()
	g.Observe("SOLUSDC", d("150"), now)
	g.Observe("SOLUSDC", d("130"), now.Add(10*time.Second)) // 13.3% down

	reason, tripped := g.Tripped(now.Add(11 * time.Second))
	if !tripped {
		t.Fatal("guard should trip on a 13% drop inside the window")
	}
	if reason == "" {
		t.Error("tripped guard should carry a reason")
	}
}

func TestObserveRallyNeverTrips(t *testing.T) {
	t.Parallel()
	g := newTestGuard(testGuardConfig())

	now := time.Now()
	g.Observe("SOLUSDC", d("150"), now)
	g.Observe("SOLUSDC", d("180"), now.Add(10*time.Second)) // 20% up

	if reason, tripped := g.Tripped(now.Add(11 * time.Second)); tripped {
		t.Errorf("guard tripped on a rally: %s", reason)
	}
}

func TestAnchorExpiresAndResets(t *testing.T) {
	t.Parallel()
	g := newTestGuard(testGuardConfig())

	now := time.Now()
	g.Observe("SOLUSDC", d("150"), now)
	// Two windows later the old anchor is stale; this sample replaces it
	// instead of being measured against 150.
	g.Observe("SOLUSDC", d("100"), now.Add(2*time.Minute))

	if reason, tripped := g.Tripped(now.Add(2 * time.Minute)); tripped {
		t.Fatalf("expired anchor should reset, not trip: %s", reason)
	}

	// A fresh crash against the new anchor still registers.
	g.Observe("SOLUSDC", d("85"), now.Add(2*time.Minute+10*time.Second)) // 15% below 100
	if _, tripped := g.Tripped(now.Add(2*time.Minute + 11*time.Second)); !tripped {
		t.Error("crash against the reset anchor should trip")
	}
}

func TestTrippedClearsAfterCooldown(t *testing.T) {
	t.Parallel()
	g := newTestGuard(testGuardConfig())

	now := time.Now()
	g.Observe("SOLUSDC", d("150"), now)
	g.Observe("SOLUSDC", d("120"), now.Add(5*time.Second))

	if _, tripped := g.Tripped(now.Add(6 * time.Second)); !tripped {
		t.Fatal("guard should be tripped right after the crash")
	}
	// The cooldown runs from the trip at +5s, so it holds through +305s.
	if _, tripped := g.Tripped(now.Add(304 * time.Second)); !tripped {
		t.Error("guard should hold for the whole cooldown")
	}
	if _, tripped := g.Tripped(now.Add(306 * time.Second)); tripped {
		t.Error("guard should clear once the cooldown passes")
	}
	// And stay clear on the next check.
	if _, tripped := g.Tripped(now.Add(307 * time.Second)); tripped {
		t.Error("cleared guard should stay clear")
	}
}

func TestPairsHaveIndependentAnchors(t *testing.T) {
	t.Parallel()
	g := newTestGuard(testGuardConfig())

	now := time.Now()
	g.Observe("SOLUSDC", d("150"), now)
	g.Observe("BTCUSDC", d("60000"), now)

	// SOL drifts a little; BTC crashes.
	g.Observe("SOLUSDC", d("149"), now.Add(10*time.Second))
	if _, tripped := g.Tripped(now.Add(10 * time.Second)); tripped {
		t.Fatal("no pair has crashed yet")
	}
	g.Observe("BTCUSDC", d("50000"), now.Add(20*time.Second)) // 16.7% down
	if _, tripped := g.Tripped(now.Add(21 * time.Second)); !tripped {
		t.Error("BTC crash should trip the guard")
	}
}

func TestDisabledGuardNeverTrips(t *testing.T) {
	t.Parallel()
	cfg := testGuardConfig()
	cfg.Enabled = false
	g := newTestGuard(cfg)

	now := time.Now()
	g.Observe("SOLUSDC", d("150"), now)
	g.Observe("SOLUSDC", d("75"), now.Add(5*time.Second)) // 50% down

	if _, tripped := g.Tripped(now.Add(6 * time.Second)); tripped {
		t.Error("disabled guard must never trip")
	}
}
