package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"taoquant_grid/internal/config"
	"taoquant_grid/pkg/logging"
	"taoquant_grid/pkg/telemetry"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const rangeYAML = `
trader_input:
  range_low: 55000
  range_high: 65000
`

func TestLoadConfig_EnvFileExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TQ_TEST_SYMBOL", "")
	os.Unsetenv("TQ_TEST_SYMBOL")
	env := writeFile(t, dir, ".env", "TQ_TEST_SYMBOL=ETHUSDT\n")
	cfgPath := writeFile(t, dir, "config.yaml", "app:\n  symbol: ${TQ_TEST_SYMBOL}\n  audit_path: "+filepath.Join(dir, "audit", "log.jsonl")+"\n"+rangeYAML)

	cfg, err := LoadConfig(cfgPath, env)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", cfg.App.Symbol)
	assert.DirExists(t, filepath.Join(dir, "audit"))
}

func TestLoadConfig_MissingEnvFileIsFine(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", rangeYAML)

	_, err := LoadConfig(cfgPath, filepath.Join(dir, "absent.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_PreFlight(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "feed:\n  url: http://example.com\n"+rangeYAML)

	_, err := LoadConfig(cfgPath, "")
	assert.ErrorContains(t, err, "feed.url")
}

func testApp() *App {
	return &App{Logger: logging.NewNopLogger()}
}

func TestApp_RunContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- testApp().RunContext(ctx, RunnerFunc(func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}))
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("app did not stop")
	}
}

func TestApp_RunContextFirstErrorStopsAll(t *testing.T) {
	boom := errors.New("boom")
	stopped := make(chan struct{})
	err := testApp().RunContext(context.Background(),
		RunnerFunc(func(ctx context.Context) error { return boom }),
		RunnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		}),
	)
	assert.ErrorIs(t, err, boom)
	<-stopped
}

func TestTelemetryOptions(t *testing.T) {
	tests := []struct {
		name     string
		exporter string
		metrics  bool
		tracing  bool
		want     string
	}{
		{"nothing wanted", "none", false, false, ""},
		{"metrics only", "none", true, false, telemetry.ExporterNone},
		{"configured stdout", "stdout", false, false, telemetry.ExporterStdout},
		{"flag forces stdout", "none", false, true, telemetry.ExporterStdout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.App.Symbol = "ETHUSDT"
			cfg.Telemetry.Exporter = tt.exporter
			cfg.Telemetry.EnableMetrics = tt.metrics

			got := telemetryOptions(cfg, Options{ServiceName: "gridguard", SessionID: "s-1", Tracing: tt.tracing})
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Exporter)
			assert.Equal(t, "ETHUSDT", got.Symbol)
			assert.Equal(t, "s-1", got.SessionID)
		})
	}
}
