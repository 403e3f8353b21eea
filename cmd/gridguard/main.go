// Command gridguard runs the engine live on a websocket bar feed with paper execution
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"taoquant_grid/internal/alert"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/bootstrap"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/engine"
	"taoquant_grid/internal/execution"
	"taoquant_grid/internal/feed"
	"taoquant_grid/internal/infrastructure/health"
	"taoquant_grid/internal/infrastructure/metrics"
	"taoquant_grid/internal/statemachine"
	"taoquant_grid/internal/store"
	"time"

	"github.com/google/uuid"
)

var (
	configFile   = flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile      = flag.String("env", ".env", "Optional .env file loaded before the config")
	resume       = flag.Bool("resume", true, "Resume from the persisted state if present")
	tracing      = flag.Bool("tracing", false, "Export traces and logs to stdout via OpenTelemetry")
	accountPoll  = flag.Duration("account-poll", time.Minute, "Venue account read interval")
	eventBacklog = flag.Int("event-backlog", 1024, "Event loop input buffer")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gridguard:", err)
		os.Exit(1)
	}
}

func run() error {
	session := uuid.NewString()
	app, err := bootstrap.NewApp(*configFile, bootstrap.Options{EnvFile: *envFile, ServiceName: "gridguard", SessionID: session, Tracing: *tracing})
	if err != nil {
		return err
	}
	cfg, logger := app.Cfg, app.Logger
	if cfg.App.Venue != "sim" && cfg.App.Venue != "paper" {
		return fmt.Errorf("venue %q is not supported, use sim or paper", cfg.App.Venue)
	}

	sink, err := audit.OpenJSONL(cfg.App.AuditPath)
	if err != nil {
		return err
	}
	ledger := audit.NewLedger(session, cfg.Hash(), sink, logger, 0)
	defer ledger.Close()

	st, err := store.NewSQLiteStore(cfg.App.StateDBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	events := make(core.EventChannel, *eventBacklog)
	inbound := make(core.EventChannel, 64)

	venue := execution.NewPaperVenue(cfg)
	dispatcher := execution.NewDispatcher(cfg, venue, events, logger)

	alerts := alert.NewManagerFromConfig(cfg, logger)
	defer alerts.Wait()

	board := engine.NewBoard()
	control := engine.NewControlLoop(cfg, board, ledger, logger)
	eng, err := engine.New(cfg, engine.Options{
		Sink:         dispatcher,
		Store:        st,
		Ledger:       ledger,
		Observations: control.Inbox(),
		Board:        board,
		Logger:       logger,
		Transitions:  alerts,
	})
	if err != nil {
		return err
	}
	control.SetCheckpointer(eng)

	now := time.Now().UTC()
	var restored *store.PersistentState
	if *resume {
		if restored, err = eng.Resume(context.Background(), now); err != nil {
			return err
		}
	}
	if restored != nil {
		control.RestoreFrom(restored)
	} else {
		eng.Start(now)
	}

	bars, err := feed.NewBarFeed(cfg, inbound, logger)
	if err != nil {
		return err
	}

	checks := health.NewManager()
	checks.Register("engine", func() error {
		if s := eng.State(); s == statemachine.EmergencyStop {
			return errors.New("emergency stop")
		}
		return nil
	})

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(func(ctx context.Context) error { return eng.Run(ctx, events) }),
		control,
		dispatcher,
		bars,
		bootstrap.RunnerFunc(func(ctx context.Context) error { return dispatcher.PollAccount(ctx, *accountPoll) }),
		bootstrap.RunnerFunc(func(ctx context.Context) error { return matchPaper(ctx, inbound, venue, dispatcher, events) }),
	}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, checks, logger))
	}
	return app.Run(runners...)
}

// matchPaper fills resting paper orders on every closed bar, ahead of the bar itself,
// so the engine sees the same ordering as a replay
func matchPaper(ctx context.Context, in <-chan core.Event, venue *execution.PaperVenue, d *execution.Dispatcher, out core.IEventPublisher) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-in:
			if ev.Type == core.EventBar && ev.Bar != nil {
				for _, f := range venue.OnBar(*ev.Bar) {
					d.OnFill(f)
					out.Publish(core.FillEvent(f))
				}
			}
			out.Publish(ev)
		}
	}
}
