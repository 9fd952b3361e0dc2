// Package orchestrator implements C10: the single per-cycle loop that
// owns the writer lock, evaluates the Safety Gate Stack, and drives the
// sell loop then the buy loop in that order. Run/RunOnce/runCycle follow
// the teacher scanner's Run/RunOnce/runCycle/cycle split so the CLI can
// ask for either a single pass (run-once / -once) or the
// long-lived ticker loop with the same entry points.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kvanhimbergen/execution-v2/internal/application/buyloop"
	"github.com/kvanhimbergen/execution-v2/internal/application/gate"
	"github.com/kvanhimbergen/execution-v2/internal/application/sellloop"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/metrics"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

// Deps bundles every collaborator the orchestrator drives per cycle.
type Deps struct {
	Store      ports.StateStore
	MD         ports.MarketDataProvider
	Broker     ports.BrokerAdapter
	// DryRunBroker is always a dry-run-safe adapter, wired regardless of
	// ConfiguredMode, so the buy loop has somewhere safe to route entries
	// the moment the gate stack downgrades the cycle. Defaults to Broker.
	DryRunBroker ports.BrokerAdapter
	Ledger       ports.LedgerWriter
	Clock        ports.Clock
	Lock         ports.WriterLock
	Candidates   ports.CandidateSource
	Portfolio    ports.PortfolioDecisionReader
	Log          *slog.Logger
}

// Orchestrator is the top-level cycle driver.
type Orchestrator struct {
	deps    Deps
	cfg     domain.ExecutionConfig
	gates   *gate.Stack
	buy     *buyloop.Loop
	sell    *sellloop.Loop
	onAlert func(reason domain.SkipReason, detail string)
}

// New wires the gate stack and the buy/sell loops from deps and cfg.
func New(deps Deps, cfg domain.ExecutionConfig, seed int64, onAlert func(reason domain.SkipReason, detail string)) *Orchestrator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.DryRunBroker == nil {
		deps.DryRunBroker = deps.Broker
	}
	gates := gate.New(onAlert)
	buy := buyloop.New(buyloop.Deps{
		Store:        deps.Store,
		MD:           deps.MD,
		Broker:       deps.Broker,
		DryRunBroker: deps.DryRunBroker,
		Ledger:       deps.Ledger,
		Portfolio:    deps.Portfolio,
		Log:          deps.Log,
	}, cfg, seed)
	sell := sellloop.New(sellloop.Deps{
		Store:  deps.Store,
		MD:     deps.MD,
		Broker: deps.Broker,
		Ledger: deps.Ledger,
		Clock:  deps.Clock,
		Log:    deps.Log,
	}, cfg)

	return &Orchestrator{deps: deps, cfg: cfg, gates: gates, buy: buy, sell: sell, onAlert: onAlert}
}

// Run acquires the writer lock once and loops runCycle on the clock's
// poll cadence until ctx is cancelled. Acquiring the lock is a startup
// precondition: a second instance refuses to start rather than queue
// behind the first.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.deps.Lock.Acquire(); err != nil {
		return &domain.FatalError{Kind: domain.ErrWriterLockHeld, ExitCode: 64, Err: err}
	}
	defer func() {
		if err := o.deps.Lock.Release(); err != nil {
			o.deps.Log.Warn("orchestrator: lock release failed", "err", err)
		}
	}()

	o.deps.Log.Info("orchestrator starting",
		"mode", o.cfg.ConfiguredMode,
		"poll_seconds", o.cfg.PollSeconds,
	)

	for {
		now := o.deps.Clock.NowUTC()
		if err := o.runCycle(ctx, now); err != nil {
			o.deps.Log.Error("orchestrator: cycle failed", "err", err)
		}

		interval := o.deps.Clock.PollInterval(now)
		select {
		case <-ctx.Done():
			o.deps.Log.Info("orchestrator stopped")
			return nil
		case <-time.After(interval):
		}
	}
}

// RunOnce acquires the lock, executes exactly one cycle, releases the
// lock, and returns — used by the CLI's run-once subcommand and -once flag.
func (o *Orchestrator) RunOnce(ctx context.Context) error {
	if err := o.deps.Lock.Acquire(); err != nil {
		return &domain.FatalError{Kind: domain.ErrWriterLockHeld, ExitCode: 64, Err: err}
	}
	defer func() {
		if err := o.deps.Lock.Release(); err != nil {
			o.deps.Log.Warn("orchestrator: lock release failed", "err", err)
		}
	}()
	return o.runCycle(ctx, o.deps.Clock.NowUTC())
}

// runCycle is the §4.10 cycle pseudocode: gates → sell loop → buy loop →
// heartbeat → (if material) portfolio-decision ledger record.
func (o *Orchestrator) runCycle(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() { metrics.CycleDurationSeconds.Observe(time.Since(start).Seconds()) }()

	nyDate := o.deps.Clock.NYDate(now)
	phase := o.deps.Clock.MarketPhase(now)
	marketOpen := phase.MarketOpen()

	candidates, modDate, candErr := o.loadCandidates()
	candidatesPresent := candErr == nil && len(candidates) > 0

	artifact, portfolioOK, portfolioReason := o.deps.Portfolio.Load(ctx, nyDate)

	capCounts, err := o.capCounts(ctx, nyDate)
	if err != nil {
		o.deps.Log.Warn("orchestrator: cap count gathering failed", "err", err)
	}

	decision := o.gates.Evaluate(gate.Input{
		Now:                   now,
		NYDate:                nyDate,
		MarketOpen:            marketOpen,
		IgnoreMarketHours:     o.cfg.IgnoreMarketHours,
		CandidatesPresent:     candidatesPresent,
		CandidatesModDate:     modDate,
		KillSwitchEnv:         o.cfg.KillSwitchEnv,
		ConfiguredMode:        o.cfg.ConfiguredMode,
		ForceDryRun:           o.cfg.ForceDryRun,
		LiveTradingRequested:  o.cfg.LiveTradingRequested,
		LiveConfirmToken:      o.cfg.LiveConfirmToken,
		Caps:                  o.cfg.Caps,
		CapCounts:             capCounts,
		Allowlist:             o.cfg.AllowlistSymbols,
		PortfolioArtifactOK:   portfolioOK,
		PortfolioFailureReason: portfolioReason,
	})

	sellStats := o.sell.Run(ctx, nyDate, now)

	var buyStats buyloop.Stats
	if marketOpen {
		buyStats = o.buy.EvaluateCandidates(ctx, decision, candidates, nyDate, now, o.deps.Clock.MarketOpenTime(now))
	}
	submitStats := o.buy.SubmitDueIntents(ctx, now, decision)

	intentsCount := buyStats.Scheduled
	ordersCount := submitStats.Submitted + sellStats.StopsUpdated + sellStats.TrimsR1 + sellStats.TrimsR2 + sellStats.Exits
	errorsCount := buyStats.Errors + submitStats.Errors + sellStats.Errors
	if candErr != nil {
		errorsCount++
	}

	hb := domain.Heartbeat{
		TSUTC:        now,
		Mode:         string(decision.Mode),
		MarketOpen:   marketOpen,
		IntentsCount: intentsCount,
		OrdersCount:  ordersCount,
		ErrorsCount:  errorsCount,
	}
	if err := o.deps.Store.SaveHeartbeat(ctx, hb); err != nil {
		o.deps.Log.Warn("orchestrator: heartbeat save failed", "err", err)
	}

	if isMaterialCycle(buyStats, submitStats, sellStats) {
		reasons := make([]string, 0, len(decision.Reasons))
		for _, r := range decision.Reasons {
			reasons = append(reasons, string(r))
		}
		blocks := make(map[string]string, len(decision.Blocks))
		for sym, r := range decision.Blocks {
			blocks[sym] = string(r)
		}
		rec := domain.PortfolioDecisionCycleRecord{
			RecordType:    domain.RecordPortfolioCycle,
			SchemaVersion: domain.LedgerSchemaVersion,
			NYDate:        nyDate,
			TSUTC:         now,
			Mode:          string(decision.Mode),
			GatePass:      decision.Pass,
			Reasons:       reasons,
			IntentsCount:  intentsCount,
			OrdersCount:   ordersCount,
			ErrorsCount:   errorsCount,
			Blocks:        blocks,
		}
		if err := o.deps.Ledger.AppendPortfolioCycle(rec); err != nil {
			o.deps.Log.Warn("orchestrator: portfolio cycle ledger append failed", "err", err)
		}
	}

	o.deps.Log.Info("cycle complete",
		"ny_date", nyDate,
		"phase", phase,
		"mode", decision.Mode,
		"gate_pass", decision.Pass,
		"intents", intentsCount,
		"orders", ordersCount,
		"errors", errorsCount,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return nil
}

func isMaterialCycle(buyStats buyloop.Stats, submitStats buyloop.Stats, sellStats sellloop.Stats) bool {
	return buyStats.Scheduled > 0 || submitStats.Submitted > 0 || submitStats.Filled > 0 ||
		sellStats.StopsUpdated > 0 || sellStats.TrimsR1 > 0 || sellStats.TrimsR2 > 0 || sellStats.Exits > 0
}

func (o *Orchestrator) loadCandidates() ([]domain.Candidate, domain.NYDate, error) {
	if _, err := os.Stat(o.cfg.CandidatesCSV); err != nil {
		return nil, "", err
	}
	candidates, modDate, err := o.deps.Candidates.Load(o.cfg.CandidatesCSV)
	if err != nil {
		return nil, "", fmt.Errorf("load candidates: %w", err)
	}
	ctx := context.Background()
	for _, c := range candidates {
		if err := o.deps.Store.UpsertCandidate(ctx, modDate, c); err != nil {
			o.deps.Log.Warn("orchestrator: candidate upsert failed", "symbol", c.Symbol, "err", err)
		}
	}
	return candidates, modDate, nil
}

func (o *Orchestrator) capCounts(ctx context.Context, nyDate domain.NYDate) (gate.CapCounts, error) {
	positions, err := o.deps.Store.ListOpenPositions(ctx)
	if err != nil {
		return gate.CapCounts{}, err
	}
	counts := gate.CapCounts{
		OpenPositions:     len(positions),
		PerSymbolNotional: make(map[string]float64, len(positions)),
	}
	for _, p := range positions {
		notional := mustFloat(p.AvgEntry) * float64(p.QtyOpen)
		counts.GrossNotional += notional
		counts.PerSymbolNotional[p.Symbol] += notional
	}
	return counts, nil
}

func mustFloat(d interface{ Float64() (float64, bool) }) float64 {
	f, _ := d.Float64()
	return f
}
