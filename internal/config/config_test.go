package config

import (
	"errors"
	"os"
	"testing"
	"time"

	apperrors "taoquant_grid/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.TraderInput.RangeLow = 60000
	cfg.TraderInput.RangeHigh = 70000
	return cfg
}

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "auth_token: ${TEST_FEED_TOKEN}",
			envVars: map[string]string{
				"TEST_FEED_TOKEN": "tok_123",
			},
			expected: "auth_token: tok_123",
		},
		{
			name:  "expand multiple env vars",
			input: "range_low: ${RANGE_LOW}\nrange_high: ${RANGE_HIGH}",
			envVars: map[string]string{
				"RANGE_LOW":  "60000",
				"RANGE_HIGH": "70000",
			},
			expected: "range_low: 60000\nrange_high: 70000",
		},
		{
			name:     "missing env var returns empty string",
			input:    "auth_token: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "auth_token: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	os.Setenv("TEST_RANGE_LOW", "58000")
	os.Setenv("TEST_FEED_TOKEN", "feed_secret")
	defer os.Unsetenv("TEST_RANGE_LOW")
	defer os.Unsetenv("TEST_FEED_TOKEN")

	configContent := `
app:
  symbol: "ETHUSDT"
  log_level: "DEBUG"
trader_input:
  range_low: ${TEST_RANGE_LOW}
  range_high: 66000
  trend_gate: false
control:
  interval: 2h
feed:
  url: "ws://localhost:8080/bars"
  auth_token: "${TEST_FEED_TOKEN}"
`
	tmpfile, err := os.CreateTemp("", "config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpfile.Close()

	cfg, err := LoadConfig(tmpfile.Name())
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", cfg.App.Symbol)
	assert.Equal(t, 58000.0, cfg.TraderInput.RangeLow)
	assert.False(t, cfg.TraderInput.TrendGate)
	assert.Equal(t, 2*time.Hour, cfg.Control.Interval)
	assert.Equal(t, "feed_secret", cfg.Feed.AuthToken.Reveal())

	// untouched sections keep their defaults
	assert.Equal(t, 0.55, cfg.Inventory.Warn)
	assert.Equal(t, 5, cfg.Grid.BuyLevels)
	assert.Equal(t, 15*time.Minute, cfg.Risk.MinStateHold)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
trader_input:
  range_low: 1
  range_high: 2
  rnage_high: 3
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestValidate_Defaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	// the outer range has no default
	err := DefaultConfig().Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		field  string
	}{
		{"inverted range", func(c *Config) { c.TraderInput.RangeLow = 71000 }, "trader_input.range_high"},
		{"warn above damage", func(c *Config) { c.Inventory.Warn = 0.75 }, "inventory"},
		{"recovery above warn", func(c *Config) { c.Inventory.Recovery = 0.60 }, "inventory.recovery"},
		{"stop too close to damage", func(c *Config) { c.Inventory.Stop = 0.75 }, "inventory.stop"},
		{"skew compression too large", func(c *Config) { c.Skew.MaxCompression = 0.30 }, "skew.max_compression"},
		{"edge decay out of range", func(c *Config) { c.Grid.EdgeDecay = 1.0 }, "grid.edge_decay"},
		{"liquidation threshold too small", func(c *Config) { c.Risk.LiqDistanceThreshold = 0.01 }, "risk.liq_distance_threshold"},
		{"weights do not sum to one", func(c *Config) { c.Advantage.Weights.Density = 0.5 }, "advantage.weights"},
		{"coverage zero", func(c *Config) { c.Advantage.Coverage = 0 }, "advantage.coverage"},
		{"no buy levels", func(c *Config) { c.Grid.BuyLevels = 0 }, "grid.buy_levels"},
		{"zero control interval", func(c *Config) { c.Control.Interval = 0 }, "control.interval"},
		{"hard cap below reentry band", func(c *Config) { c.Reanchor.HardCap = 0.45 }, "reanchor"},
		{"margin cap above one", func(c *Config) { c.Risk.MarginCap = 1.2 }, "risk.margin_cap"},
		{"drawdown of one", func(c *Config) { c.Risk.MaxDrawdown = 1 }, "risk.max_drawdown"},
		{"unknown step method", func(c *Config) { c.Grid.BaseStepMethod = "fib" }, "grid.base_step_method"},
		{"reprice tolerance too wide", func(c *Config) { c.Grid.RepriceATRMult = 0.5 }, "grid.price_change_threshold_atr_mult"},
		{"cancel failure certain", func(c *Config) { c.Sim.Cancel.FailProbability = 1 }, "sim.cancel_simulation.fail_probability"},
		{"cancel delays inverted", func(c *Config) { c.Sim.Cancel.DelayBarsMin = 3; c.Sim.Cancel.DelayBarsMax = 1 }, "sim.cancel_simulation.delay_bars_max"},
		{"unknown exporter", func(c *Config) { c.Telemetry.Exporter = "otlp" }, "telemetry.exporter"},
		{"token with whitespace", func(c *Config) { c.Feed.AuthToken = "abc def" }, "feed.auth_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var ve ValidationError
			require.True(t, errors.As(err, &ve))
			assert.ErrorIs(t, err, apperrors.ErrValidation)
			assert.Contains(t, err.Error(), "'"+tt.field+"'")
		})
	}
}

func TestValidate_ReportsAllViolations(t *testing.T) {
	cfg := validConfig()
	cfg.Grid.EdgeDecay = 0
	cfg.Control.Interval = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grid.edge_decay")
	assert.Contains(t, err.Error(), "control.interval")
}

func TestConfig_Hash(t *testing.T) {
	a := validConfig()
	b := validConfig()
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 16)

	b.Grid.BuyLevels = 6
	assert.NotEqual(t, a.Hash(), b.Hash())

	// secrets never feed into the fingerprint
	c := validConfig()
	c.Feed.AuthToken = "one"
	d := validConfig()
	d.Feed.AuthToken = "two"
	assert.Equal(t, c.Hash(), d.Hash())
}

func TestConfig_Range(t *testing.T) {
	r := validConfig().Range()
	assert.Equal(t, "60000", r.Low.String())
	assert.Equal(t, "70000", r.High.String())
}
