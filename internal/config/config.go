// Package config handles loading and validation of the strategy configuration
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"taoquant_grid/internal/core"
	apperrors "taoquant_grid/pkg/errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable-after-load configuration.
// Components receive it (or a section of it) at construction.
type Config struct {
	App         AppConfig         `yaml:"app"`
	TraderInput TraderInputConfig `yaml:"trader_input"`
	Inventory   InventoryConfig   `yaml:"inventory"`
	Risk        RiskConfig        `yaml:"risk"`
	Volatility  VolatilityConfig  `yaml:"volatility"`
	Advantage   AdvantageConfig   `yaml:"advantage"`
	Grid        GridConfig        `yaml:"grid"`
	Skew        SkewConfig        `yaml:"skew"`
	DeRisk      DeRiskConfig      `yaml:"derisk"`
	Reanchor    ReanchorConfig    `yaml:"reanchor"`
	Control     ControlConfig     `yaml:"control"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Sim         SimConfig         `yaml:"sim"`
	Feed        FeedConfig        `yaml:"feed"`
	Alert       AlertConfig       `yaml:"alert"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// AppConfig contains identifiers and file locations. Symbol and venue are opaque to the core.
type AppConfig struct {
	Symbol      string `yaml:"symbol"`
	Venue       string `yaml:"venue"`
	LogLevel    string `yaml:"log_level"`
	AuditPath   string `yaml:"audit_path"`
	StateDBPath string `yaml:"state_db_path"`
}

// TraderInputConfig holds the operator-supplied macro permissions
type TraderInputConfig struct {
	RangeLow         float64 `yaml:"range_low"`
	RangeHigh        float64 `yaml:"range_high"`
	TrendGate        bool    `yaml:"trend_gate"`
	BiasTolerance    float64 `yaml:"bias_tolerance"`
	MinRangeWidthPct float64 `yaml:"min_range_width_pct"`
}

// InventoryConfig holds the inventory cap and the state thresholds on inventory_ratio
type InventoryConfig struct {
	MaxInventory float64 `yaml:"max_inventory"`
	Warn         float64 `yaml:"warn"`
	Damage       float64 `yaml:"damage"`
	Stop         float64 `yaml:"stop"`
	Recovery     float64 `yaml:"recovery"`
	SlopeWindow  int     `yaml:"slope_window"`
}

// RiskConfig holds the risk budget and emergency thresholds
type RiskConfig struct {
	InitialEquity           float64       `yaml:"initial_equity"`
	MarginCap               float64       `yaml:"margin_cap"`
	MaxDrawdown             float64       `yaml:"max_drawdown"`
	LiqDistanceThreshold    float64       `yaml:"liq_distance_threshold"`
	APIFaultMaxConsecutive  int           `yaml:"api_fault_max_consecutive"`
	DataStale               time.Duration `yaml:"data_stale"`
	MinStateHold            time.Duration `yaml:"min_state_hold"`
	BreakBufferATRMult      float64       `yaml:"break_buffer_atr_mult"`
	BreakConfirmBars        int           `yaml:"break_confirm_bars"`
	InventoryResyncTolerate float64       `yaml:"inventory_resync_tolerance"`
}

// VolatilityConfig configures the ATR based detectors
type VolatilityConfig struct {
	ATRLen            int     `yaml:"atr_len"`
	BaselineLen       int     `yaml:"baseline_len"`
	SpikeMult         float64 `yaml:"spike_mult"`
	ClearMult         float64 `yaml:"clear_mult"`
	SpikeCooldownBars int     `yaml:"spike_cooldown_bars"`
	GapATRMult        float64 `yaml:"gap_atr_mult"`
}

// ZoneWeights are the advantage score weights per bin feature
type ZoneWeights struct {
	Density   float64 `yaml:"density"`
	Reversion float64 `yaml:"reversion"`
	Breakeven float64 `yaml:"breakeven"`
}

// AdvantageConfig configures OpportunityWindow and CoreZone
type AdvantageConfig struct {
	ZoneWindow        time.Duration `yaml:"zone_window"`
	BinSize           float64       `yaml:"bin_size"`
	Coverage          float64       `yaml:"coverage"`
	ChangeThreshold   float64       `yaml:"change_threshold"`
	Weights           ZoneWeights   `yaml:"weights"`
	WindowLookback    time.Duration `yaml:"window_lookback"`
	MinCycleActivity  float64       `yaml:"min_cycle_activity"`
	MinReversionSpeed float64       `yaml:"min_reversion_speed"`
	MinBreakevenSlope float64       `yaml:"min_breakeven_slope"`
	DecayChecks       int           `yaml:"decay_checks"`
	ReversionBand     float64       `yaml:"reversion_band"`
}

// GridConfig configures spacing, active windows and edge decay
type GridConfig struct {
	BaseStepMethod      string  `yaml:"base_step_method"`
	BaseStepFixed       float64 `yaml:"base_step_fixed"`
	ATRStepMult         float64 `yaml:"atr_step_mult"`
	CoreCompress        float64 `yaml:"core_compress"`
	BufferExpand        float64 `yaml:"buffer_expand"`
	BuyLevels           int     `yaml:"buy_levels"`
	SellLevels          int     `yaml:"sell_levels"`
	BaseSize            float64 `yaml:"base_size"`
	EdgeBandATRMult     float64 `yaml:"edge_band_atr_mult"`
	EdgeDecay           float64 `yaml:"edge_decay"`
	DamageStageFraction float64 `yaml:"damage_stage_fraction"`
	ReduceOnlySells     bool    `yaml:"reduce_only_sells"`
	PriceDecimals       int     `yaml:"price_decimals"`
	QtyDecimals         int     `yaml:"qty_decimals"`

	// RepriceATRMult is how far, in ATR, a resting order may drift from its planned price
	// before it is replaced
	RepriceATRMult float64 `yaml:"price_change_threshold_atr_mult"`
}

// SkewConfig configures the inventory gated skew
type SkewConfig struct {
	Ceiling        float64 `yaml:"ceiling"`
	MaxCompression float64 `yaml:"max_compression"`
}

// DeRiskConfig configures edge exhaustion detection and the directive ladder
type DeRiskConfig struct {
	EfficiencyDrop         float64       `yaml:"efficiency_drop"`
	MinTurnoverCycles      int           `yaml:"min_turnover_cycles"`
	BreakevenFlatEpsilon   float64       `yaml:"breakeven_flat_epsilon"`
	MinInventory           float64       `yaml:"min_inventory"`
	HouseMoneyMinProfitPct float64       `yaml:"house_money_min_profit_pct"`
	OpportunityTimeout     time.Duration `yaml:"opportunity_timeout"`
	EscalationCooldown     time.Duration `yaml:"escalation_cooldown"`
	WindowShrink           float64       `yaml:"window_shrink"`
	BufferWiden            float64       `yaml:"buffer_widen"`
}

// ReanchorConfig configures the re-anchor guard. A request qualifies once inventory has been
// worked down to ReentryHigh or below.
type ReanchorConfig struct {
	HardCap        float64       `yaml:"hard_cap"`
	ReentryHigh    float64       `yaml:"reentry_high"`
	RangeShrink    float64       `yaml:"range_shrink"`
	SpacingExpand  float64       `yaml:"spacing_expand"`
	InventoryScale float64       `yaml:"inventory_scale"`
	Cooldown       time.Duration `yaml:"cooldown"`
	MaxPerDay      int           `yaml:"max_per_day"`
}

// ControlConfig configures the slow clock
type ControlConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ExecutionConfig configures the live/paper execution dispatcher
type ExecutionConfig struct {
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	PoolWorkers  int           `yaml:"pool_workers"`
	PoolCapacity int           `yaml:"pool_capacity"`
}

// SimConfig configures the replay matching model
type SimConfig struct {
	MakerFeeBps      float64 `yaml:"maker_fee_bps"`
	TakerFeeBps      float64 `yaml:"taker_fee_bps"`
	FeeSide          string  `yaml:"fee_side"`
	SlippageBps      float64 `yaml:"slippage_bps"`
	PartialFillRatio float64 `yaml:"partial_fill_ratio"`
	MaxFillsPerBar   int     `yaml:"max_fills_per_bar"`
	Leverage         float64 `yaml:"leverage"`

	Cancel CancelSimConfig `yaml:"cancel_simulation"`
}

// CancelSimConfig lets simulated cancels fail or lag. A rejected cancel leaves the order stuck
// and retried every bar; an accepted one lands after a delay drawn from [DelayBarsMin,
// DelayBarsMax], a delay of one taking effect before the next bar matches. Draws come from a
// source seeded with Seed.
type CancelSimConfig struct {
	AllowFail       bool    `yaml:"allow_fail"`
	FailProbability float64 `yaml:"fail_probability"`
	DelayBarsMin    int     `yaml:"delay_bars_min"`
	DelayBarsMax    int     `yaml:"delay_bars_max"`
	Seed            uint64  `yaml:"seed"`
}

// FeedConfig configures the websocket bar feed
type FeedConfig struct {
	URL       string `yaml:"url"`
	AuthToken Secret `yaml:"auth_token"`
}

// AlertConfig configures operator notifications on state transitions.
// Channels with empty credentials are disabled.
type AlertConfig struct {
	MinLevel       string `yaml:"min_level"`
	SlackWebhook   Secret `yaml:"slack_webhook"`
	TelegramToken  Secret `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// TelemetryConfig contains telemetry settings. Exporter sends spans and OTel log records to
// stdout or nowhere; metrics are served on MetricsPort either way.
type TelemetryConfig struct {
	MetricsPort   int    `yaml:"metrics_port"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	Exporter      string `yaml:"exporter"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

func (e ValidationError) Unwrap() error { return apperrors.ErrValidation }

// LoadConfig loads configuration from a YAML file with environment variable expansion.
// Keys absent from the file keep their DefaultConfig value; unknown keys are rejected.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every section and reports all violations at once
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, c.validateApp()...)
	errs = append(errs, c.validateTraderInput()...)
	errs = append(errs, c.validateInventory()...)
	errs = append(errs, c.validateRisk()...)
	errs = append(errs, c.validateVolatility()...)
	errs = append(errs, c.validateAdvantage()...)
	errs = append(errs, c.validateGrid()...)
	errs = append(errs, c.validateSkew()...)
	errs = append(errs, c.validateDeRisk()...)
	errs = append(errs, c.validateReanchor()...)
	errs = append(errs, c.validateRuntime()...)
	errs = append(errs, c.validateSecrets()...)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateApp() []error {
	var errs []error
	if c.App.Symbol == "" {
		errs = append(errs, ValidationError{Field: "app.symbol", Message: "symbol is required"})
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.App.LogLevel)) {
		errs = append(errs, ValidationError{
			Field:   "app.log_level",
			Value:   c.App.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		})
	}
	return errs
}

func (c *Config) validateTraderInput() []error {
	var errs []error
	t := c.TraderInput
	if t.RangeLow <= 0 {
		errs = append(errs, ValidationError{Field: "trader_input.range_low", Value: t.RangeLow, Message: "must be positive"})
	}
	if t.RangeLow >= t.RangeHigh {
		errs = append(errs, ValidationError{Field: "trader_input.range_high", Value: t.RangeHigh, Message: "must be greater than range_low"})
	}
	if t.BiasTolerance < 0 || t.BiasTolerance > 1 {
		errs = append(errs, ValidationError{Field: "trader_input.bias_tolerance", Value: t.BiasTolerance, Message: "must be in [0, 1]"})
	}
	if t.MinRangeWidthPct < 0 || t.MinRangeWidthPct >= 1 {
		errs = append(errs, ValidationError{Field: "trader_input.min_range_width_pct", Value: t.MinRangeWidthPct, Message: "must be in [0, 1)"})
	}
	return errs
}

func (c *Config) validateInventory() []error {
	var errs []error
	inv := c.Inventory
	if inv.MaxInventory <= 0 {
		errs = append(errs, ValidationError{Field: "inventory.max_inventory", Value: inv.MaxInventory, Message: "must be positive"})
	}
	if !(inv.Warn < inv.Damage && inv.Damage < inv.Stop) {
		errs = append(errs, ValidationError{
			Field:   "inventory",
			Value:   fmt.Sprintf("warn=%.2f damage=%.2f stop=%.2f", inv.Warn, inv.Damage, inv.Stop),
			Message: "thresholds must satisfy warn < damage < stop",
		})
	}
	if inv.Recovery >= inv.Warn {
		errs = append(errs, ValidationError{Field: "inventory.recovery", Value: inv.Recovery, Message: "must be below warn"})
	}
	if inv.Stop-inv.Damage < 0.10-1e-9 {
		errs = append(errs, ValidationError{Field: "inventory.stop", Value: inv.Stop, Message: "stop must exceed damage by at least 0.10"})
	}
	if inv.Stop > 1 || inv.Recovery <= 0 {
		errs = append(errs, ValidationError{Field: "inventory", Message: "thresholds must lie in (0, 1]"})
	}
	if inv.SlopeWindow < 2 {
		errs = append(errs, ValidationError{Field: "inventory.slope_window", Value: inv.SlopeWindow, Message: "must be at least 2"})
	}
	return errs
}

func (c *Config) validateRisk() []error {
	var errs []error
	r := c.Risk
	if r.InitialEquity <= 0 {
		errs = append(errs, ValidationError{Field: "risk.initial_equity", Value: r.InitialEquity, Message: "must be positive"})
	}
	if r.MarginCap <= 0 || r.MarginCap > 1 {
		errs = append(errs, ValidationError{Field: "risk.margin_cap", Value: r.MarginCap, Message: "must be in (0, 1]"})
	}
	if r.MaxDrawdown <= 0 || r.MaxDrawdown >= 1 {
		errs = append(errs, ValidationError{Field: "risk.max_drawdown", Value: r.MaxDrawdown, Message: "must be in (0, 1)"})
	}
	if r.LiqDistanceThreshold < 0.02 {
		errs = append(errs, ValidationError{Field: "risk.liq_distance_threshold", Value: r.LiqDistanceThreshold, Message: "must be at least 0.02"})
	}
	if r.APIFaultMaxConsecutive < 1 {
		errs = append(errs, ValidationError{Field: "risk.api_fault_max_consecutive", Value: r.APIFaultMaxConsecutive, Message: "must be at least 1"})
	}
	if r.DataStale <= 0 {
		errs = append(errs, ValidationError{Field: "risk.data_stale", Value: r.DataStale, Message: "must be positive"})
	}
	if r.MinStateHold < 0 {
		errs = append(errs, ValidationError{Field: "risk.min_state_hold", Value: r.MinStateHold, Message: "must not be negative"})
	}
	if r.BreakConfirmBars < 1 {
		errs = append(errs, ValidationError{Field: "risk.break_confirm_bars", Value: r.BreakConfirmBars, Message: "must be at least 1"})
	}
	if r.BreakBufferATRMult < 0 {
		errs = append(errs, ValidationError{Field: "risk.break_buffer_atr_mult", Value: r.BreakBufferATRMult, Message: "must not be negative"})
	}
	return errs
}

func (c *Config) validateVolatility() []error {
	var errs []error
	v := c.Volatility
	if v.ATRLen < 1 || v.BaselineLen < 1 {
		errs = append(errs, ValidationError{Field: "volatility.atr_len", Value: v.ATRLen, Message: "atr_len and baseline_len must be at least 1"})
	}
	if v.SpikeMult <= 1 || v.ClearMult < 1 || v.ClearMult >= v.SpikeMult {
		errs = append(errs, ValidationError{
			Field:   "volatility.spike_mult",
			Value:   fmt.Sprintf("spike=%.2f clear=%.2f", v.SpikeMult, v.ClearMult),
			Message: "must satisfy 1 <= clear_mult < spike_mult",
		})
	}
	if v.GapATRMult <= 0 {
		errs = append(errs, ValidationError{Field: "volatility.gap_atr_mult", Value: v.GapATRMult, Message: "must be positive"})
	}
	return errs
}

func (c *Config) validateAdvantage() []error {
	var errs []error
	a := c.Advantage
	if a.BinSize <= 0 {
		errs = append(errs, ValidationError{Field: "advantage.bin_size", Value: a.BinSize, Message: "must be positive"})
	}
	if a.Coverage <= 0 || a.Coverage > 1 {
		errs = append(errs, ValidationError{Field: "advantage.coverage", Value: a.Coverage, Message: "must be in (0, 1]"})
	}
	if a.ChangeThreshold < 0 || a.ChangeThreshold >= 1 {
		errs = append(errs, ValidationError{Field: "advantage.change_threshold", Value: a.ChangeThreshold, Message: "must be in [0, 1)"})
	}
	w := a.Weights
	if w.Density < 0 || w.Reversion < 0 || w.Breakeven < 0 || math.Abs(w.Density+w.Reversion+w.Breakeven-1) > 1e-6 {
		errs = append(errs, ValidationError{Field: "advantage.weights", Value: w, Message: "weights must be non-negative and sum to 1"})
	}
	if a.ZoneWindow <= 0 || a.WindowLookback <= 0 {
		errs = append(errs, ValidationError{Field: "advantage.zone_window", Value: a.ZoneWindow, Message: "windows must be positive"})
	}
	if a.DecayChecks < 1 {
		errs = append(errs, ValidationError{Field: "advantage.decay_checks", Value: a.DecayChecks, Message: "must be at least 1"})
	}
	return errs
}

func (c *Config) validateGrid() []error {
	var errs []error
	g := c.Grid
	if g.BaseStepMethod != "atr" && g.BaseStepMethod != "fixed" {
		errs = append(errs, ValidationError{Field: "grid.base_step_method", Value: g.BaseStepMethod, Message: "must be one of: atr, fixed"})
	}
	if g.BaseStepFixed <= 0 {
		errs = append(errs, ValidationError{Field: "grid.base_step_fixed", Value: g.BaseStepFixed, Message: "must be positive (also the ATR fallback)"})
	}
	if g.CoreCompress <= 0 || g.CoreCompress > 1 {
		errs = append(errs, ValidationError{Field: "grid.core_compress", Value: g.CoreCompress, Message: "must be in (0, 1]"})
	}
	if g.BufferExpand < 1 {
		errs = append(errs, ValidationError{Field: "grid.buffer_expand", Value: g.BufferExpand, Message: "must be at least 1"})
	}
	if g.BuyLevels < 1 || g.SellLevels < 1 {
		errs = append(errs, ValidationError{Field: "grid.buy_levels", Value: g.BuyLevels, Message: "active window sizes must be at least 1"})
	}
	if g.BaseSize <= 0 {
		errs = append(errs, ValidationError{Field: "grid.base_size", Value: g.BaseSize, Message: "must be positive"})
	}
	if g.EdgeDecay <= 0 || g.EdgeDecay >= 1 {
		errs = append(errs, ValidationError{Field: "grid.edge_decay", Value: g.EdgeDecay, Message: "must be in (0, 1)"})
	}
	if g.DamageStageFraction <= 0 || g.DamageStageFraction > 1 {
		errs = append(errs, ValidationError{Field: "grid.damage_stage_fraction", Value: g.DamageStageFraction, Message: "must be in (0, 1]"})
	}
	if g.RepriceATRMult < 0 || g.RepriceATRMult >= 0.5 {
		errs = append(errs, ValidationError{Field: "grid.price_change_threshold_atr_mult", Value: g.RepriceATRMult, Message: "must be in [0, 0.5)"})
	}
	return errs
}

func (c *Config) validateSkew() []error {
	var errs []error
	if c.Skew.MaxCompression < 0 || c.Skew.MaxCompression > 0.25 {
		errs = append(errs, ValidationError{Field: "skew.max_compression", Value: c.Skew.MaxCompression, Message: "must be in [0, 0.25]"})
	}
	if c.Skew.Ceiling <= 0 || c.Skew.Ceiling > c.Inventory.Warn {
		errs = append(errs, ValidationError{Field: "skew.ceiling", Value: c.Skew.Ceiling, Message: "must be in (0, inventory.warn]"})
	}
	return errs
}

func (c *Config) validateDeRisk() []error {
	var errs []error
	d := c.DeRisk
	if d.EfficiencyDrop <= 0 || d.EfficiencyDrop >= 1 {
		errs = append(errs, ValidationError{Field: "derisk.efficiency_drop", Value: d.EfficiencyDrop, Message: "must be in (0, 1)"})
	}
	if d.OpportunityTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "derisk.opportunity_timeout", Value: d.OpportunityTimeout, Message: "must be positive"})
	}
	if d.WindowShrink <= 0 || d.WindowShrink > 1 {
		errs = append(errs, ValidationError{Field: "derisk.window_shrink", Value: d.WindowShrink, Message: "must be in (0, 1]"})
	}
	if d.BufferWiden < 1 {
		errs = append(errs, ValidationError{Field: "derisk.buffer_widen", Value: d.BufferWiden, Message: "must be at least 1"})
	}
	return errs
}

func (c *Config) validateReanchor() []error {
	var errs []error
	r := c.Reanchor
	if !(r.ReentryHigh > 0 && r.ReentryHigh <= r.HardCap) {
		errs = append(errs, ValidationError{
			Field:   "reanchor",
			Value:   fmt.Sprintf("reentry_high=%.2f hard_cap=%.2f", r.ReentryHigh, r.HardCap),
			Message: "must satisfy 0 < reentry_high <= hard_cap",
		})
	}
	if r.HardCap > 0.60 {
		errs = append(errs, ValidationError{Field: "reanchor.hard_cap", Value: r.HardCap, Message: "must not exceed 0.60"})
	}
	if r.RangeShrink <= 0 || r.RangeShrink > 1 || r.InventoryScale <= 0 || r.InventoryScale > 1 {
		errs = append(errs, ValidationError{Field: "reanchor.range_shrink", Value: r.RangeShrink, Message: "range_shrink and inventory_scale must be in (0, 1]"})
	}
	if r.SpacingExpand < 1 {
		errs = append(errs, ValidationError{Field: "reanchor.spacing_expand", Value: r.SpacingExpand, Message: "must be at least 1"})
	}
	if r.MaxPerDay < 1 {
		errs = append(errs, ValidationError{Field: "reanchor.max_per_day", Value: r.MaxPerDay, Message: "must be at least 1"})
	}
	return errs
}

func (c *Config) validateRuntime() []error {
	var errs []error
	if c.Control.Interval <= 0 {
		errs = append(errs, ValidationError{Field: "control.interval", Value: c.Control.Interval, Message: "must be positive"})
	}
	if c.Sim.FeeSide != "maker" && c.Sim.FeeSide != "taker" {
		errs = append(errs, ValidationError{Field: "sim.fee_side", Value: c.Sim.FeeSide, Message: "must be one of: maker, taker"})
	}
	if c.Sim.PartialFillRatio <= 0 || c.Sim.PartialFillRatio > 1 {
		errs = append(errs, ValidationError{Field: "sim.partial_fill_ratio", Value: c.Sim.PartialFillRatio, Message: "must be in (0, 1]"})
	}
	if c.Sim.MaxFillsPerBar < 1 {
		errs = append(errs, ValidationError{Field: "sim.max_fills_per_bar", Value: c.Sim.MaxFillsPerBar, Message: "must be at least 1"})
	}
	if cs := c.Sim.Cancel; cs.FailProbability < 0 || cs.FailProbability >= 1 {
		errs = append(errs, ValidationError{Field: "sim.cancel_simulation.fail_probability", Value: cs.FailProbability, Message: "must be in [0, 1)"})
	}
	if cs := c.Sim.Cancel; cs.DelayBarsMin < 0 || cs.DelayBarsMax < cs.DelayBarsMin {
		errs = append(errs, ValidationError{Field: "sim.cancel_simulation.delay_bars_max", Value: cs.DelayBarsMax, Message: "delays must satisfy 0 <= delay_bars_min <= delay_bars_max"})
	}
	if !contains([]string{"INFO", "WARNING", "ERROR", "CRITICAL"}, strings.ToUpper(c.Alert.MinLevel)) {
		errs = append(errs, ValidationError{Field: "alert.min_level", Value: c.Alert.MinLevel, Message: "must be one of: INFO, WARNING, ERROR, CRITICAL"})
	}
	if !contains([]string{"none", "stdout"}, c.Telemetry.Exporter) {
		errs = append(errs, ValidationError{Field: "telemetry.exporter", Value: c.Telemetry.Exporter, Message: "must be one of: none, stdout"})
	}
	if c.Execution.RateLimit <= 0 || c.Execution.RateBurst < 1 {
		errs = append(errs, ValidationError{Field: "execution.rate_limit", Value: c.Execution.RateLimit, Message: "rate_limit and rate_burst must be positive"})
	}
	return errs
}

// Range returns the configured outer range
func (c *Config) Range() core.RangeBounds {
	return core.RangeBounds{
		Low:  decimal.NewFromFloat(c.TraderInput.RangeLow),
		High: decimal.NewFromFloat(c.TraderInput.RangeHigh),
	}
}

// Hash returns a stable fingerprint of the configuration recorded with every audit record
func (c *Config) Hash() string {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "unhashable"
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// String returns the YAML form of the configuration with secrets redacted
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the default parameter set. The outer range has no default.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Symbol:      "BTCUSDT",
			Venue:       "sim",
			LogLevel:    "INFO",
			AuditPath:   "output/audit_events.jsonl",
			StateDBPath: "output/state.db",
		},
		TraderInput: TraderInputConfig{
			TrendGate:        true,
			BiasTolerance:    0.10,
			MinRangeWidthPct: 0.02,
		},
		Inventory: InventoryConfig{
			MaxInventory: 1.0,
			Warn:         0.55,
			Damage:       0.70,
			Stop:         0.85,
			Recovery:     0.40,
			SlopeWindow:  12,
		},
		Risk: RiskConfig{
			InitialEquity:           10000,
			MarginCap:               0.80,
			MaxDrawdown:             0.15,
			LiqDistanceThreshold:    0.03,
			APIFaultMaxConsecutive:  3,
			DataStale:               30 * time.Second,
			MinStateHold:            15 * time.Minute,
			BreakBufferATRMult:      0.5,
			BreakConfirmBars:        3,
			InventoryResyncTolerate: 1e-6,
		},
		Volatility: VolatilityConfig{
			ATRLen:            14,
			BaselineLen:       48,
			SpikeMult:         2.0,
			ClearMult:         1.3,
			SpikeCooldownBars: 4,
			GapATRMult:        5.0,
		},
		Advantage: AdvantageConfig{
			ZoneWindow:        48 * time.Hour,
			BinSize:           50,
			Coverage:          0.65,
			ChangeThreshold:   0.10,
			Weights:           ZoneWeights{Density: 0.4, Reversion: 0.3, Breakeven: 0.3},
			WindowLookback:    24 * time.Hour,
			MinCycleActivity:  0.05,
			MinReversionSpeed: 0.02,
			MinBreakevenSlope: -0.001,
			DecayChecks:       3,
			ReversionBand:     0.40,
		},
		Grid: GridConfig{
			BaseStepMethod:      "atr",
			BaseStepFixed:       100,
			ATRStepMult:         1.0,
			CoreCompress:        0.7,
			BufferExpand:        1.3,
			BuyLevels:           5,
			SellLevels:          5,
			BaseSize:            0.01,
			EdgeBandATRMult:     1.5,
			EdgeDecay:           0.7,
			DamageStageFraction: 0.25,
			PriceDecimals:       2,
			QtyDecimals:         4,
			RepriceATRMult:      0.1,
		},
		Skew: SkewConfig{
			Ceiling:        0.40,
			MaxCompression: 0.25,
		},
		DeRisk: DeRiskConfig{
			EfficiencyDrop:         0.30,
			MinTurnoverCycles:      3,
			BreakevenFlatEpsilon:   0.001,
			MinInventory:           0.20,
			HouseMoneyMinProfitPct: 0.05,
			OpportunityTimeout:     72 * time.Hour,
			EscalationCooldown:     15 * time.Minute,
			WindowShrink:           0.6,
			BufferWiden:            1.5,
		},
		Reanchor: ReanchorConfig{
			HardCap:        0.60,
			ReentryHigh:    0.50,
			RangeShrink:    0.8,
			SpacingExpand:  1.2,
			InventoryScale: 0.8,
			Cooldown:       24 * time.Hour,
			MaxPerDay:      2,
		},
		Control: ControlConfig{
			Interval: 4 * time.Hour,
		},
		Execution: ExecutionConfig{
			RateLimit:    10,
			RateBurst:    20,
			MaxRetries:   3,
			RetryBackoff: 200 * time.Millisecond,
			PoolWorkers:  4,
			PoolCapacity: 256,
		},
		Sim: SimConfig{
			MakerFeeBps:      2,
			TakerFeeBps:      6,
			FeeSide:          "taker",
			SlippageBps:      5,
			PartialFillRatio: 1.0,
			MaxFillsPerBar:   2,
			Leverage:         10,
			Cancel: CancelSimConfig{
				FailProbability: 0.05,
				Seed:            1,
			},
		},
		Alert: AlertConfig{
			MinLevel: "WARNING",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9100,
			EnableMetrics: false,
			Exporter:      "none",
		},
	}
}
