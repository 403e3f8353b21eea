// Package bootstrap loads configuration, builds the logger and runs the process components
// under one errgroup until a signal or the first failure.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"taoquant_grid/internal/config"
	"taoquant_grid/internal/core"
	"taoquant_grid/pkg/telemetry"
	"time"

	"golang.org/x/sync/errgroup"
)

// App holds the process-wide dependencies
type App struct {
	Cfg    *config.Config
	Logger core.ILogger

	tel *telemetry.Telemetry
}

// Options select the optional parts of the bootstrap
type Options struct {
	EnvFile     string
	ServiceName string
	SessionID   string
	Tracing     bool // forces the stdout trace and log exporters
}

func NewApp(configPath string, opts Options) (*App, error) {
	cfg, err := LoadConfig(configPath, opts.EnvFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return NewAppFromConfig(cfg, opts)
}

// NewAppFromConfig bootstraps from an already loaded config
func NewAppFromConfig(cfg *config.Config, opts Options) (*App, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "taoquant_grid"
	}
	app := &App{Cfg: cfg}

	if tel := telemetryOptions(cfg, opts); tel != nil {
		t, err := telemetry.Setup(*tel)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.tel = t
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app.Logger = logger
	return app, nil
}

// telemetryOptions returns nil when neither metrics nor an exporter are wanted
func telemetryOptions(cfg *config.Config, opts Options) *telemetry.Options {
	exporter := cfg.Telemetry.Exporter
	if opts.Tracing {
		exporter = telemetry.ExporterStdout
	}
	if exporter == "" {
		exporter = telemetry.ExporterNone
	}
	if exporter == telemetry.ExporterNone && !cfg.Telemetry.EnableMetrics {
		return nil
	}
	return &telemetry.Options{
		Service:   opts.ServiceName,
		Symbol:    cfg.App.Symbol,
		SessionID: opts.SessionID,
		Exporter:  exporter,
	}
}

// Runner is a component that works until its context ends
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run runs every runner until SIGINT/SIGTERM or the first runner error
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext is Run with a caller-owned context
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application", "runners", len(runners))
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}

	err := g.Wait()
	if serr := a.shutdown(); serr != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", serr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}

func (a *App) shutdown() error {
	if a.tel == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.tel.Shutdown(ctx)
}
