// Package config defines all configuration for the grid trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GRIDBOT_* environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"gridbot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	Store        StoreConfig        `mapstructure:"store"`
	Grid         GridConfig         `mapstructure:"grid"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Emergency    EmergencyConfig    `mapstructure:"emergency"`
	Risk         RiskConfig         `mapstructure:"risk"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Admin        AdminConfig        `mapstructure:"admin"`
}

// ExchangeConfig holds venue credentials and transport settings.
// APIKey and APISecret should come from GRIDBOT_API_KEY / GRIDBOT_API_SECRET.
type ExchangeConfig struct {
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	Testnet      bool   `mapstructure:"testnet"`
	URLOverride  string `mapstructure:"base_url"` // optional explicit endpoint
	TimeoutSec   int    `mapstructure:"timeout_sec"`
	RecvWindowMs int64  `mapstructure:"recv_window_ms"`
	DryRun       bool   `mapstructure:"dry_run"`
}

const (
	productionBaseURL = "https://api.binance.com"
	testnetBaseURL    = "https://testnet.binance.vision"
)

// BaseURL resolves the venue endpoint: explicit override first, then the
// testnet toggle.
func (e ExchangeConfig) BaseURL() string {
	if e.URLOverride != "" {
		return e.URLOverride
	}
	if e.Testnet {
		return testnetBaseURL
	}
	return productionBaseURL
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// GridConfig is the file-level grid parameter block. Numbers are plain
// floats here; they are converted to exact decimals once, by Params().
//
// Units: levels_pct entries are percents (-5 means 5% below the anchor).
// Everything else named *_pct, the exit shares, close_ratio, and the
// emergency safety margin are fractions (0.012 means 1.2%).
type GridConfig struct {
	Pair                string    `mapstructure:"pair"`
	AnchorPrice         float64   `mapstructure:"anchor_price"`
	LevelsPct           []float64 `mapstructure:"levels_pct"`
	AllocWeights        []float64 `mapstructure:"alloc_weights"`
	MaxGridCapitalQuote float64   `mapstructure:"max_grid_capital_quote"`

	TPStartPct  float64 `mapstructure:"tp_start_pct"`
	TPStepPct   float64 `mapstructure:"tp_step_pct"`
	TPMinPct    float64 `mapstructure:"tp_min_pct"`
	TP2DeltaPct float64 `mapstructure:"tp2_delta_pct"`

	TP1Share   float64 `mapstructure:"tp1_share"`
	TP2Share   float64 `mapstructure:"tp2_share"`
	TrailShare float64 `mapstructure:"trail_share"`

	TrailingCallbackPct float64 `mapstructure:"trailing_callback_pct"`

	HardStopMode string  `mapstructure:"hard_stop_mode"`
	HardStopPct  float64 `mapstructure:"hard_stop_pct"`

	PlaceMode string `mapstructure:"place_mode"`
	KNext     int    `mapstructure:"k_next"`

	CloseRatio float64 `mapstructure:"close_ratio"`
	TimeTTLSec int64   `mapstructure:"time_ttl_sec"`
}

// OrchestratorConfig tunes the control loop.
//
//   - CycleSeconds: cadence between cycles (pacing is sleep, not schedule).
//   - SnapshotEvery: balance snapshot every Nth cycle.
//   - FillLookbackHours: trade-history window consulted during fill sync.
//   - AutoCreate: create a basket from GridConfig at startup when no
//     active basket exists, anchored at the current price.
type OrchestratorConfig struct {
	CycleSeconds      int  `mapstructure:"cycle_seconds"`
	SnapshotEvery     int  `mapstructure:"snapshot_every"`
	FillLookbackHours int  `mapstructure:"fill_lookback_hours"`
	AutoCreate        bool `mapstructure:"auto_create"`
}

// EmergencyConfig tunes the emergency closer. SafetyMargin is the fraction
// below the current price at which the exit limit is placed.
type EmergencyConfig struct {
	SafetyMargin float64 `mapstructure:"safety_margin"`
}

// RiskConfig tunes the crash guard. When the last price drops more than
// CrashDropPct (a fraction) within CrashWindowSec, order placement is
// suspended for CooldownSec, so the grid never chases a collapsing
// market. Disabled by default.
type RiskConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	CrashDropPct   float64 `mapstructure:"crash_drop_pct"`
	CrashWindowSec int     `mapstructure:"crash_window_sec"`
	CooldownSec    int     `mapstructure:"cooldown_sec"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AdminConfig controls the admin HTTP server (status, gate, emergency
// trigger, websocket event stream, metrics). An empty AllowedOrigins
// restricts websocket upgrades to local and same-host pages.
type AdminConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GRIDBOT_API_KEY, GRIDBOT_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GRIDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("GRIDBOT_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("GRIDBOT_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if os.Getenv("GRIDBOT_DRY_RUN") == "true" || os.Getenv("GRIDBOT_DRY_RUN") == "1" {
		cfg.Exchange.DryRun = true
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Exchange.TimeoutSec == 0 {
		c.Exchange.TimeoutSec = 10
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 60000
	}
	if c.Orchestrator.CycleSeconds == 0 {
		c.Orchestrator.CycleSeconds = 5
	}
	if c.Orchestrator.SnapshotEvery == 0 {
		c.Orchestrator.SnapshotEvery = 10
	}
	if c.Orchestrator.FillLookbackHours == 0 {
		c.Orchestrator.FillLookbackHours = 24
	}
	if c.Emergency.SafetyMargin == 0 {
		c.Emergency.SafetyMargin = 0.03
	}
	if c.Risk.CrashDropPct == 0 {
		c.Risk.CrashDropPct = 0.10
	}
	if c.Risk.CrashWindowSec == 0 {
		c.Risk.CrashWindowSec = 60
	}
	if c.Risk.CooldownSec == 0 {
		c.Risk.CooldownSec = 300
	}
	if c.Grid.HardStopMode == "" {
		c.Grid.HardStopMode = string(types.HardStopNone)
	}
	if c.Grid.PlaceMode == "" {
		c.Grid.PlaceMode = string(types.PlaceAllUnfilled)
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/gridbot.db"
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Exchange.DryRun {
		if c.Exchange.APIKey == "" {
			return fmt.Errorf("exchange.api_key is required (set GRIDBOT_API_KEY)")
		}
		if c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_secret is required (set GRIDBOT_API_SECRET)")
		}
	}
	if c.Orchestrator.CycleSeconds < 1 {
		return fmt.Errorf("orchestrator.cycle_seconds must be >= 1")
	}
	if c.Orchestrator.SnapshotEvery < 1 {
		return fmt.Errorf("orchestrator.snapshot_every must be >= 1")
	}
	if c.Emergency.SafetyMargin < 0 || c.Emergency.SafetyMargin >= 1 {
		return fmt.Errorf("emergency.safety_margin must be a fraction in [0, 1)")
	}
	if c.Risk.Enabled {
		if c.Risk.CrashDropPct <= 0 || c.Risk.CrashDropPct >= 1 {
			return fmt.Errorf("risk.crash_drop_pct must be a fraction in (0, 1)")
		}
		if c.Risk.CrashWindowSec < 1 {
			return fmt.Errorf("risk.crash_window_sec must be >= 1")
		}
		if c.Risk.CooldownSec < 1 {
			return fmt.Errorf("risk.cooldown_sec must be >= 1")
		}
	}
	if err := c.Grid.validate(); err != nil {
		return err
	}
	return nil
}

func (g *GridConfig) validate() error {
	if g.Pair == "" {
		return fmt.Errorf("grid.pair is required")
	}
	if len(g.Pair) > types.MaxPairLen {
		return fmt.Errorf("grid.pair %q is longer than %d characters; client order ids would exceed the venue cap", g.Pair, types.MaxPairLen)
	}
	for i := 0; i < len(g.Pair); i++ {
		c := g.Pair[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return fmt.Errorf("grid.pair must be uppercase alphanumeric, got %q", g.Pair)
		}
	}
	if g.AnchorPrice < 0 {
		return fmt.Errorf("grid.anchor_price must be >= 0 (0 anchors at the current price)")
	}
	if len(g.LevelsPct) == 0 {
		return fmt.Errorf("grid.levels_pct must not be empty")
	}
	if len(g.LevelsPct) != len(g.AllocWeights) {
		return fmt.Errorf("grid.levels_pct has %d entries but grid.alloc_weights has %d", len(g.LevelsPct), len(g.AllocWeights))
	}
	for i, lv := range g.LevelsPct {
		if lv >= 0 {
			return fmt.Errorf("grid.levels_pct[%d] = %v: level drops must be negative", i, lv)
		}
		if lv > -1 {
			// The classic unit mistake: -0.05 meaning 5%. Levels are
			// percents; a drop of less than 1% is almost certainly a
			// fraction that slipped through.
			return fmt.Errorf("grid.levels_pct[%d] = %v: levels are percents (-5 means 5%% below anchor); fractions are rejected", i, lv)
		}
		if lv <= -100 {
			return fmt.Errorf("grid.levels_pct[%d] = %v: a drop of 100%% or more prices the level at or below zero", i, lv)
		}
	}
	var wsum float64
	for i, w := range g.AllocWeights {
		if w <= 0 {
			return fmt.Errorf("grid.alloc_weights[%d] = %v: weights must be > 0", i, w)
		}
		wsum += w
	}
	if math.Abs(wsum-1.0) > 1e-6 {
		return fmt.Errorf("grid.alloc_weights sum to %v, want 1.0 (tolerance 1e-6)", wsum)
	}
	if g.MaxGridCapitalQuote <= 0 {
		return fmt.Errorf("grid.max_grid_capital_quote must be > 0")
	}
	if g.TPStartPct < 0 || g.TPStepPct < 0 || g.TPMinPct < 0 || g.TP2DeltaPct < 0 {
		return fmt.Errorf("grid take-profit fractions must be >= 0")
	}
	if g.TPMinPct > g.TPStartPct {
		return fmt.Errorf("grid.tp_min_pct (%v) must not exceed grid.tp_start_pct (%v)", g.TPMinPct, g.TPStartPct)
	}
	ssum := g.TP1Share + g.TP2Share + g.TrailShare
	if math.Abs(ssum-1.0) > 1e-6 {
		return fmt.Errorf("grid exit shares sum to %v, want 1.0 (tolerance 1e-6)", ssum)
	}
	if g.TP1Share < 0 || g.TP2Share < 0 || g.TrailShare < 0 {
		return fmt.Errorf("grid exit shares must be >= 0")
	}
	if g.TrailingCallbackPct < 0 || g.TrailingCallbackPct >= 1 {
		return fmt.Errorf("grid.trailing_callback_pct must be a fraction in [0, 1)")
	}
	switch types.HardStopMode(g.HardStopMode) {
	case types.HardStopNone, types.HardStopHard, types.HardStopExtendZone:
	default:
		return fmt.Errorf("grid.hard_stop_mode must be one of: none, hard, extend_zone")
	}
	if g.HardStopPct < 0 || g.HardStopPct >= 1 {
		return fmt.Errorf("grid.hard_stop_pct must be a fraction in [0, 1)")
	}
	switch types.PlaceMode(g.PlaceMode) {
	case types.PlaceAllUnfilled:
	case types.PlaceOnlyNextK:
		if g.KNext < 1 {
			return fmt.Errorf("grid.k_next must be >= 1 when place_mode is only_next_k")
		}
	default:
		return fmt.Errorf("grid.place_mode must be one of: all_unfilled, only_next_k")
	}
	if g.CloseRatio < 0 {
		return fmt.Errorf("grid.close_ratio must be >= 0")
	}
	if g.TimeTTLSec < 0 {
		return fmt.Errorf("grid.time_ttl_sec must be >= 0")
	}
	return nil
}

// Params converts the file-level grid block into the exact-decimal record
// the strategy consumes. Call after Validate; conversion itself cannot fail
// on validated input.
func (g *GridConfig) Params() types.GridParams {
	levels := make([]decimal.Decimal, len(g.LevelsPct))
	for i, lv := range g.LevelsPct {
		levels[i] = decimal.NewFromFloat(lv)
	}
	weights := make([]decimal.Decimal, len(g.AllocWeights))
	for i, w := range g.AllocWeights {
		weights[i] = decimal.NewFromFloat(w)
	}
	return types.GridParams{
		Pair:                g.Pair,
		AnchorPrice:         decimal.NewFromFloat(g.AnchorPrice),
		LevelsPct:           levels,
		AllocWeights:        weights,
		MaxGridCapitalQuote: decimal.NewFromFloat(g.MaxGridCapitalQuote),
		TPStartPct:          decimal.NewFromFloat(g.TPStartPct),
		TPStepPct:           decimal.NewFromFloat(g.TPStepPct),
		TPMinPct:            decimal.NewFromFloat(g.TPMinPct),
		TP2DeltaPct:         decimal.NewFromFloat(g.TP2DeltaPct),
		TP1Share:            decimal.NewFromFloat(g.TP1Share),
		TP2Share:            decimal.NewFromFloat(g.TP2Share),
		TrailShare:          decimal.NewFromFloat(g.TrailShare),
		TrailingCallbackPct: decimal.NewFromFloat(g.TrailingCallbackPct),
		HardStopMode:        types.HardStopMode(g.HardStopMode),
		HardStopPct:         decimal.NewFromFloat(g.HardStopPct),
		PlaceMode:           types.PlaceMode(g.PlaceMode),
		KNext:               g.KNext,
		CloseRatio:          decimal.NewFromFloat(g.CloseRatio),
		TimeTTLSec:          g.TimeTTLSec,
	}
}
