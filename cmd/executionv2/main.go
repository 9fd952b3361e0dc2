// Command execution-v2 runs the single-writer equity execution engine:
// run-once / run-loop / config-check subcommands dispatched the way the
// teacher's cmd/scanner/main.go dispatches its mode flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/execution-v2/config"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/broker"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/candidates"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/ledger"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/lock"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/marketdata"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/storage"
	"github.com/kvanhimbergen/execution-v2/internal/application/clock"
	"github.com/kvanhimbergen/execution-v2/internal/application/orchestrator"
	"github.com/kvanhimbergen/execution-v2/internal/application/portfolio"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	dbPath := flag.String("db-path", "", "override the sqlite state store path")
	candidatesCSV := flag.String("candidates-csv", "", "override the candidate file path")
	ignoreMarketHours := flag.Bool("ignore-market-hours", false, "bypass the market-hours gate (testing only)")
	dryRun := flag.Bool("dry-run", false, "force EXECUTION_MODE=DRY_RUN for this run")
	once := flag.Bool("once", false, "run exactly one cycle and exit")
	pollSeconds := flag.Int("poll-seconds", 0, "override the base poll interval in seconds")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	flag.Parse()

	cmd := "run-loop"
	if args := flag.Args(); len(args) > 0 {
		cmd = args[0]
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		exitFor(err)
	}

	if *dbPath != "" {
		cfg.Paths.DBPath = *dbPath
	}
	if *candidatesCSV != "" {
		cfg.Paths.CandidatesCSV = *candidatesCSV
	}
	if *ignoreMarketHours {
		cfg.Safety.IgnoreMarketHours = true
	}
	if *dryRun {
		cfg.Mode.ForceDryRun = true
	}
	if *pollSeconds > 0 {
		cfg.Poll.Seconds = *pollSeconds
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	setupLogger(cfg.Log)

	switch cmd {
	case "config-check":
		runConfigCheck(cfg)
		return
	case "run-once":
		*once = true
	case "run-loop":
	default:
		slog.Error("unknown subcommand", "cmd", cmd)
		os.Exit(2)
	}

	ec := cfg.ExecutionConfig()

	nyClock, err := clock.New(clock.Config{
		PollSeconds:       ec.PollSeconds,
		PollTightSeconds:  ec.PollTightSeconds,
		PollTightStartET:  ec.PollTightStartET,
		PollTightEndET:    ec.PollTightEndET,
		PollMarketSeconds: ec.PollMarketSeconds,
	})
	if err != nil {
		slog.Error("failed to initialize clock", "err", err)
		os.Exit(1)
	}

	store, err := storage.New(cfg.Paths.DBPath)
	if err != nil {
		slog.Error("failed to open state store", "err", err, "path", cfg.Paths.DBPath)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.ApplySchema(context.Background()); err != nil {
		slog.Error("failed to apply schema", "err", err)
		os.Exit(1)
	}

	ledgerWriter := ledger.New(cfg.Paths.LedgerDir, cfg.Paths.DryRunLedgerPath)
	writerLock := lock.New(cfg.Paths.LockFilePath)
	candidateSource := candidates.New(nyClock.Location())
	portfolioReader := portfolio.New(cfg.Paths.PortfolioArtifactDir)

	md, brokerAdapter, err := buildTradingAdapters(cfg, ec, ledgerWriter)
	if err != nil {
		slog.Error("failed to initialize broker/market-data adapters", "err", err)
		os.Exit(65)
	}
	// Built unconditionally, regardless of ConfiguredMode: the gate stack
	// can downgrade the effective mode mid-run (live-confirm failure, live
	// ledger absence), and entries must have somewhere safe to land the
	// instant that happens rather than reaching brokerAdapter. A
	// kill-switched cycle submits no entries at all.
	dryRunBroker := broker.NewDryRun(slog.Default(), time.Now, ledgerWriter)

	onAlert := func(reason domain.SkipReason, detail string) {
		slog.Warn("safety gate alert", "reason", reason, "detail", detail)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Store:        store,
		MD:           md,
		Broker:       brokerAdapter,
		DryRunBroker: dryRunBroker,
		Ledger:       ledgerWriter,
		Clock:        nyClock,
		Lock:         writerLock,
		Candidates:   candidateSource,
		Portfolio:    portfolioReader,
		Log:          slog.Default(),
	}, ec, time.Now().UnixNano(), onAlert)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("execution-v2 starting",
		"mode", ec.ConfiguredMode,
		"db", cfg.Paths.DBPath,
		"once", *once,
	)

	if *once {
		if err := orch.RunOnce(ctx); err != nil {
			slog.Error("cycle failed", "err", err)
			exitFor(err)
		}
		return
	}

	if err := orch.Run(ctx); err != nil {
		slog.Error("orchestrator exited with error", "err", err)
		exitFor(err)
	}
	slog.Info("execution-v2 stopped cleanly")
}

// buildTradingAdapters selects the market-data/broker pair for the
// configured mode, per §4.5's four-variant polymorphism.
func buildTradingAdapters(cfg *config.Config, ec domain.ExecutionConfig, ledgerWriter ports.LedgerWriter) (ports.MarketDataProvider, ports.BrokerAdapter, error) {
	log := slog.Default()

	switch ec.ConfiguredMode {
	case domain.ModeDryRun:
		return marketdata.NewFixture(), broker.NewDryRun(log, time.Now, ledgerWriter), nil

	case domain.ModePaperSim:
		md := marketdata.New(cfg.Broker.APIKeyID, cfg.Broker.APISecretKey, true)
		equity := decimal.NewFromFloat(cfg.Sizing.AccountEquityOverride)
		if equity.IsZero() {
			equity = decimal.NewFromInt(100000)
		}
		return md, broker.NewPaperSim(md, equity, log, time.Now), nil

	case domain.ModeAlpacaPaper:
		if cfg.Broker.APIKeyID == "" || cfg.Broker.APISecretKey == "" {
			return nil, nil, fmt.Errorf("ALPACA_PAPER requires APCA_API_KEY_ID/APCA_API_SECRET_KEY")
		}
		md := marketdata.New(cfg.Broker.APIKeyID, cfg.Broker.APISecretKey, true)
		return md, broker.NewPaper(cfg.Broker.APIKeyID, cfg.Broker.APISecretKey, log), nil

	case domain.ModeAlpacaLive:
		if cfg.Broker.APIKeyID == "" || cfg.Broker.APISecretKey == "" {
			return nil, nil, fmt.Errorf("ALPACA_LIVE requires APCA_API_KEY_ID/APCA_API_SECRET_KEY")
		}
		md := marketdata.New(cfg.Broker.APIKeyID, cfg.Broker.APISecretKey, false)
		return md, broker.NewLive(cfg.Broker.APIKeyID, cfg.Broker.APISecretKey, log), nil

	default:
		return nil, nil, fmt.Errorf("unsupported EXECUTION_MODE %q", ec.ConfiguredMode)
	}
}

func runConfigCheck(cfg *config.Config) {
	ec := cfg.ExecutionConfig()

	fmt.Println("execution-v2 config-check")
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Setting", "Value")
	rows := [][]string{
		{"mode", string(ec.ConfiguredMode)},
		{"force_dry_run", fmt.Sprintf("%v", ec.ForceDryRun)},
		{"live_trading_requested", fmt.Sprintf("%v", ec.LiveTradingRequested)},
		{"kill_switch_env", fmt.Sprintf("%v", ec.KillSwitchEnv)},
		{"allowlist_symbols", fmt.Sprintf("%v", ec.AllowlistSymbols)},
		{"max_orders_per_day", fmt.Sprintf("%d", ec.Caps.MaxOrdersPerDay)},
		{"max_positions", fmt.Sprintf("%d", ec.Caps.MaxPositions)},
		{"max_gross_notional", fmt.Sprintf("%.2f", ec.Caps.MaxGrossNotional)},
		{"max_notional_per_symbol", fmt.Sprintf("%.2f", ec.Caps.MaxNotionalPerSymbol)},
		{"poll_seconds", fmt.Sprintf("%d", ec.PollSeconds)},
		{"poll_tight_seconds", fmt.Sprintf("%d", ec.PollTightSeconds)},
		{"poll_tight_window_et", ec.PollTightStartET + "-" + ec.PollTightEndET},
		{"entry_delay_after_open", ec.EntryDelayAfterOpen.String()},
		{"min_exit_arming_seconds", ec.MinExitArmingSeconds.String()},
		{"edge_window_enabled", fmt.Sprintf("%v", ec.EdgeWindowEnabled)},
		{"one_shot_enabled", fmt.Sprintf("%v", ec.OneShotPerSymbolEnabled)},
		{"base_risk_pct", fmt.Sprintf("%.4f", ec.BaseRiskPct)},
		{"trim_fraction", fmt.Sprintf("%.2f", ec.TrimFraction)},
		{"db_path", ec.DBPath},
		{"candidates_csv", ec.CandidatesCSV},
		{"state_dir", ec.StateDir},
	}
	for _, r := range rows {
		table.Append(r...)
	}
	table.Render()

	if ec.ConfiguredMode == domain.ModeAlpacaLive {
		if !ec.LiveTradingRequested || ec.LiveConfirmToken == "" {
			fmt.Println("\nWARNING: ALPACA_LIVE configured but LIVE_TRADING/LIVE_CONFIRM_TOKEN not set — gate 4 will downgrade to DRY_RUN.")
		}
	}
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// exitFor maps a domain.FatalError's ExitCode to os.Exit, defaulting to
// 1 for errors not classified by §7's disposition table.
func exitFor(err error) {
	if fe, ok := err.(*domain.FatalError); ok {
		os.Exit(fe.ExitCode)
	}
	os.Exit(1)
}
