// Command replay runs the grid engine over historical bars against the simulated broker
// and writes the audit log.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"taoquant_grid/internal/audit"
	"taoquant_grid/internal/backtest"
	"taoquant_grid/internal/bootstrap"
	"taoquant_grid/internal/core"
	"taoquant_grid/internal/store"
)

var (
	configFile   = flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile      = flag.String("env", ".env", "Optional .env file loaded before the config")
	barsFile     = flag.String("bars", "", "CSV of bars: time,open,high,low,close,volume")
	auditOut     = flag.String("audit", "", "Audit JSONL output; '-' for stdout, empty for app.audit_path")
	sessionID    = flag.String("session", "replay", "Session id; identical ids and inputs give identical logs")
	accountEvery = flag.Int("account-every", 0, "Send a simulated account snapshot every n bars")
	statePath    = flag.String("state", "", "Optional SQLite file to persist engine state into")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
}

func run() error {
	if *barsFile == "" {
		return fmt.Errorf("--bars is required")
	}
	cfg, err := bootstrap.LoadConfig(*configFile, *envFile)
	if err != nil {
		return err
	}
	logger, err := bootstrap.InitLogger(cfg)
	if err != nil {
		return err
	}

	bars, err := backtest.ReadBarsFile(*barsFile)
	if err != nil {
		return err
	}

	sink, err := openAudit(*auditOut, cfg.App.AuditPath)
	if err != nil {
		return err
	}
	ledger := audit.NewLedger(*sessionID, cfg.Hash(), sink, logger, 0)

	var st store.Store
	if *statePath != "" {
		sq, err := store.NewSQLiteStore(*statePath)
		if err != nil {
			ledger.Close()
			return err
		}
		defer sq.Close()
		st = sq
	}

	drv, err := backtest.NewDriver(cfg, ledger, st, logger)
	if err != nil {
		ledger.Close()
		return err
	}
	drv.AccountEvery = *accountEvery

	res, runErr := drv.Run(context.Background(), bars)
	if err := ledger.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("close audit log: %w", err)
	}
	if runErr != nil {
		return runErr
	}
	report(logger, res)
	return nil
}

func openAudit(flagPath, cfgPath string) (audit.Sink, error) {
	switch flagPath {
	case "-":
		return audit.NewWriterSink(os.Stdout), nil
	case "":
		return audit.OpenJSONL(cfgPath)
	default:
		return audit.OpenJSONL(flagPath)
	}
}

func report(logger core.ILogger, res backtest.Result) {
	logger.Info("Replay summary",
		"bars", res.Bars,
		"fills", res.Fills,
		"control_ticks", len(res.Ticks),
		"final_state", res.FinalState.String(),
		"inventory", res.InventoryQty.String(),
		"realized_pnl", res.RealizedPnL.StringFixed(2),
		"equity", res.Equity.StringFixed(2),
	)
}
