package buyloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/execution-v2/internal/adapters/ledger"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/marketdata"
	"github.com/kvanhimbergen/execution-v2/internal/adapters/storage"
	"github.com/kvanhimbergen/execution-v2/internal/application/buyloop"
	"github.com/kvanhimbergen/execution-v2/internal/domain"
)

type fakeBroker struct {
	equity        float64
	equityErr     error
	fillPrice     decimal.Decimal
	mode          domain.ExecutionMode
	bracketStatus domain.OrderStatus // defaults to Filled when zero
	openOrders    []domain.BrokerOrder
	positions     []domain.BrokerPosition
	submitCalls   int
}

func (f *fakeBroker) SubmitBracket(ctx context.Context, req domain.BracketRequest) (domain.BrokerOrder, error) {
	f.submitCalls++
	price := f.fillPrice
	if price.IsZero() {
		price = req.LimitPrice
	}
	status := f.bracketStatus
	if status == "" {
		status = domain.OrderStatusFilled
	}
	order := domain.BrokerOrder{
		OrderID:       "order-" + req.ClientOrderID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Quantity:      req.Quantity,
		Status:        status,
		SubmittedAt:   time.Now().UTC(),
	}
	if status == domain.OrderStatusFilled {
		order.FilledQty = req.Quantity
		order.FilledAvgPrice = price
	}
	return order, nil
}

func (f *fakeBroker) SubmitStop(ctx context.Context, req domain.StopRequest) (domain.BrokerOrder, error) {
	return domain.BrokerOrder{}, nil
}
func (f *fakeBroker) Cancel(ctx context.Context, orderID string) error { return nil }
func (f *fakeBroker) ListOpenOrders(ctx context.Context, symbol string) ([]domain.BrokerOrder, error) {
	return f.openOrders, nil
}
func (f *fakeBroker) ListPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	return f.positions, nil
}
func (f *fakeBroker) GetAccountEquity(ctx context.Context) (float64, error) {
	return f.equity, f.equityErr
}
func (f *fakeBroker) MarketClock(ctx context.Context) (domain.MarketClock, error) {
	return domain.MarketClock{IsOpen: true}, nil
}
func (f *fakeBroker) Mode() domain.ExecutionMode { return f.mode }

type allowAllPortfolio struct{}

func (allowAllPortfolio) Load(ctx context.Context, nyDate domain.NYDate) (domain.PortfolioDecisionArtifact, bool, string) {
	// Permit blocks any (symbol, strategy) without an entry, so the
	// artifact carries an explicit allow for the symbol these tests trade.
	return domain.PortfolioDecisionArtifact{Decisions: map[string]domain.PortfolioDecisionEntry{
		domain.DecisionKey("AAPL", domain.DefaultStrategyID): {Allow: true},
	}}, true, ""
}

func testCandidate(symbol string) domain.Candidate {
	return domain.Candidate{
		Symbol:       symbol,
		Direction:    domain.DirectionLong,
		EntryLevel:   decimal.NewFromFloat(100),
		StopLoss:     decimal.NewFromFloat(98),
		TargetR1:     decimal.NewFromFloat(102),
		TargetR2:     decimal.NewFromFloat(105),
		EntryDistPct: decimal.NewFromFloat(0.02),
	}
}

func newTestLoop(t *testing.T, broker *fakeBroker, md *marketdata.Fixture) (*buyloop.Loop, *storage.SQLiteStore) {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	cfg := domain.DefaultExecutionConfig()
	cfg.EntryDelayAfterOpen = 0

	loop := buyloop.New(buyloop.Deps{
		Store:     db,
		MD:        md,
		Broker:    broker,
		Ledger:    w,
		Portfolio: allowAllPortfolio{},
	}, cfg, 1)
	return loop, db
}

func TestEvaluateCandidates_BlocksAllWhenEntriesNotAllowed(t *testing.T) {
	md := marketdata.NewFixture()
	loop, _ := newTestLoop(t, &fakeBroker{equity: 100000}, md)

	decision := domain.GateDecision{Pass: false, Reasons: []domain.SkipReason{domain.SkipWatchlistStale}}
	stats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", time.Now(), time.Now().Add(-time.Hour))
	assert.Equal(t, 1, stats.Skipped[domain.SkipWatchlistStale])
}

func TestEvaluateCandidates_BeforeEntryDelaySkipsAll(t *testing.T) {
	md := marketdata.NewFixture()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	cfg := domain.DefaultExecutionConfig()

	loop := buyloop.New(buyloop.Deps{Store: db, MD: md, Broker: &fakeBroker{equity: 100000}, Ledger: w, Portfolio: allowAllPortfolio{}}, cfg, 1)

	now := time.Now()
	marketOpen := now
	decision := domain.NewGateDecision(domain.ModeDryRun)
	stats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, marketOpen)
	assert.Equal(t, 1, stats.Skipped[domain.SkipMinDelayAfterOpen])
}

func TestEvaluateCandidates_ConfirmedBreakoutSchedulesIntent(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	loop, db := newTestLoop(t, &fakeBroker{equity: 100000}, md)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeDryRun)
	stats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	assert.Equal(t, 1, stats.Scheduled)

	candidates, err := db.ListActiveCandidates(context.Background(), "2026-08-03")
	require.NoError(t, err)
	assert.Empty(t, candidates, "EvaluateCandidates itself does not persist candidates, only intents")
}

func TestEvaluateCandidates_UnconfirmedBreakoutIsSkipped(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(99)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(98)},
	})
	loop, _ := newTestLoop(t, &fakeBroker{equity: 100000}, md)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeDryRun)
	stats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	assert.Equal(t, 1, stats.Skipped[domain.SkipBOHNotConfirmed])
}

func TestEvaluateCandidates_NotAllowlistedIsSkipped(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	loop, _ := newTestLoop(t, &fakeBroker{equity: 100000}, md)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeDryRun)
	decision.Allowlist = []string{"MSFT"}
	stats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	assert.Equal(t, 1, stats.Skipped[domain.SkipNotAllowlisted])
}

func TestSubmitDueIntents_SubmitsAndRecordsFillAsPosition(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	loop, db := newTestLoop(t, &fakeBroker{equity: 100000, mode: domain.ModeDryRun}, md)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeDryRun)
	evalStats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	require.Equal(t, 1, evalStats.Scheduled)

	due := now.Add(30 * time.Second)
	stats := loop.SubmitDueIntents(context.Background(), due, decision)
	require.Equal(t, 1, stats.Submitted)
	require.Equal(t, 1, stats.Filled)

	positions, err := db.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, domain.ExitOpen, positions[0].ExitState)
}

func TestSubmitDueIntents_NoDueIntentsIsNoOp(t *testing.T) {
	md := marketdata.NewFixture()
	loop, _ := newTestLoop(t, &fakeBroker{equity: 100000}, md)
	stats := loop.SubmitDueIntents(context.Background(), time.Now(), domain.NewGateDecision(domain.ModeDryRun))
	assert.Equal(t, 0, stats.Submitted)
	assert.Equal(t, 0, stats.Errors)
}

func TestSubmitDueIntents_ModeDowngradedRoutesToDryRunBrokerNotConfiguredBroker(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	cfg := domain.DefaultExecutionConfig()
	cfg.EntryDelayAfterOpen = 0

	liveBroker := &fakeBroker{equity: 100000, mode: domain.ModeAlpacaLive}
	dryRunBroker := &fakeBroker{equity: 100000, mode: domain.ModeDryRun}

	loop := buyloop.New(buyloop.Deps{
		Store:        db,
		MD:           md,
		Broker:       liveBroker,
		DryRunBroker: dryRunBroker,
		Ledger:       w,
		Portfolio:    allowAllPortfolio{},
	}, cfg, 1)

	now := time.Now()
	liveDecision := domain.NewGateDecision(domain.ModeAlpacaLive)
	evalStats := loop.EvaluateCandidates(context.Background(), liveDecision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	require.Equal(t, 1, evalStats.Scheduled)

	// A kill switch (or live-confirm failure) downgraded the cycle between
	// evaluation and submission — decision.Mode no longer matches the
	// configured live broker's own mode.
	downgraded := domain.NewGateDecision(domain.ModeAlpacaLive)
	downgraded.Mode = domain.ModeDryRun

	due := now.Add(30 * time.Second)
	stats := loop.SubmitDueIntents(context.Background(), due, downgraded)
	require.Equal(t, 1, stats.Submitted)
	assert.Equal(t, 0, liveBroker.submitCalls, "a downgraded cycle must never submit to the configured live broker")
	assert.Equal(t, 1, dryRunBroker.submitCalls)
}

func TestSubmitDueIntents_KillSwitchBlocksSubmissionEntirely(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	liveBroker := &fakeBroker{equity: 100000, mode: domain.ModeAlpacaLive}
	loop, db := newTestLoopWithBroker(t, liveBroker, md, liveBroker)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeAlpacaLive)
	evalStats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	require.Equal(t, 1, evalStats.Scheduled)

	killed := domain.NewGateDecision(domain.ModeDryRun)
	killed.Pass = false
	killed.Reasons = []domain.SkipReason{domain.SkipKillSwitch}

	due := now.Add(30 * time.Second)
	stats := loop.SubmitDueIntents(context.Background(), due, killed)
	assert.Equal(t, 0, stats.Submitted)
	assert.Equal(t, 1, stats.Skipped[domain.SkipModeDowngraded])
	assert.Equal(t, 0, liveBroker.submitCalls)

	submitted, err := db.ListSubmittedEntryIntents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitted, "a kill-switched intent stays IntentScheduled, not IntentSubmitted, for retry next cycle")
}

func TestSizePosition_CorrelationPenaltyShrinksQtyWithOpenPositions(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	cfg := domain.DefaultExecutionConfig()
	cfg.EntryDelayAfterOpen = 0
	cfg.CorrelationSizingEnabled = true

	require.NoError(t, db.UpsertPosition(context.Background(), domain.Position{
		Symbol: "MSFT", StrategyID: domain.DefaultStrategyID, IntentID: "intent-msft",
		QtyOpen: 10, AvgEntry: decimal.NewFromFloat(100), ExitState: domain.ExitOpen,
	}))

	loop := buyloop.New(buyloop.Deps{
		Store: db, MD: md, Broker: &fakeBroker{equity: 100000}, Ledger: w, Portfolio: allowAllPortfolio{},
	}, cfg, 1)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeDryRun)
	stats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	require.Equal(t, 1, stats.Scheduled)

	due, err := db.PopDueEntryIntents(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	baselineQty := int64(100000 * cfg.BaseRiskPct * cfg.RiskScale / 0.02 / 100)
	assert.Less(t, due[0].Quantity, baselineQty, "one open position must apply a nonzero correlation penalty")
}

func TestSizePosition_GrossNotionalCapClipsQty(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	defer db.Close()
	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	cfg := domain.DefaultExecutionConfig()
	cfg.EntryDelayAfterOpen = 0

	require.NoError(t, db.UpsertPosition(context.Background(), domain.Position{
		Symbol: "MSFT", StrategyID: domain.DefaultStrategyID, IntentID: "intent-msft",
		QtyOpen: 90, AvgEntry: decimal.NewFromFloat(100), ExitState: domain.ExitOpen,
	}))

	loop := buyloop.New(buyloop.Deps{
		Store: db, MD: md, Broker: &fakeBroker{equity: 100000}, Ledger: w, Portfolio: allowAllPortfolio{},
	}, cfg, 1)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeDryRun)
	decision.Caps.MaxGrossNotional = 9500 // 9000 already committed to MSFT, 500 of headroom left

	stats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	require.Equal(t, 1, stats.Scheduled)

	due, err := db.PopDueEntryIntents(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.LessOrEqual(t, due[0].Quantity, int64(5), "gross notional headroom caps qty at 500/100 = 5 shares")
}

func TestReconcilePendingEntries_DetectsFillOnceOrderLeavesOpenOrdersList(t *testing.T) {
	md := marketdata.NewFixture()
	md.SeedBars("AAPL", []domain.Bar{
		{Symbol: "AAPL", Close: decimal.NewFromFloat(101)},
		{Symbol: "AAPL", Close: decimal.NewFromFloat(102)},
	})
	restingBroker := &fakeBroker{equity: 100000, mode: domain.ModeDryRun, bracketStatus: domain.OrderStatusOpen}
	loop, db := newTestLoopWithBroker(t, restingBroker, md, restingBroker)

	now := time.Now()
	decision := domain.NewGateDecision(domain.ModeDryRun)
	evalStats := loop.EvaluateCandidates(context.Background(), decision, []domain.Candidate{testCandidate("AAPL")}, "2026-08-03", now, now.Add(-time.Hour))
	require.Equal(t, 1, evalStats.Scheduled)

	due := now.Add(30 * time.Second)
	restingBroker.openOrders = []domain.BrokerOrder{{OrderID: "placeholder", Status: domain.OrderStatusOpen}}
	stats := loop.SubmitDueIntents(context.Background(), due, decision)
	require.Equal(t, 1, stats.Submitted)
	require.Equal(t, 0, stats.Filled, "a resting bracket order does not fill synchronously")

	positions, err := db.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Empty(t, positions, "no fill has been confirmed yet")

	submitted, err := db.ListSubmittedEntryIntents(context.Background())
	require.NoError(t, err)
	require.Len(t, submitted, 1)

	// The next cycle: the broker's open-orders list no longer carries the
	// bracket order (it filled and dropped off), and a matching position
	// now exists — the reconciliation pass must pick this up without a
	// new intent becoming due.
	restingBroker.openOrders = nil
	restingBroker.positions = []domain.BrokerPosition{{Symbol: "AAPL", Quantity: submitted[0].Quantity, AvgEntry: decimal.NewFromFloat(100)}}

	stats = loop.SubmitDueIntents(context.Background(), due.Add(time.Minute), decision)
	assert.Equal(t, 0, stats.Submitted)
	assert.Equal(t, 1, stats.Filled, "next-cycle reconciliation must detect the fill via the broker's position list")

	positions, err = db.ListOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)

	submitted, err = db.ListSubmittedEntryIntents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, submitted, "a reconciled fill must no longer be awaiting confirmation")
}

// newTestLoopWithBroker is like newTestLoop but lets the caller supply a
// distinct DryRunBroker (defaults to broker when dryRun == broker).
func newTestLoopWithBroker(t *testing.T, broker *fakeBroker, md *marketdata.Fixture, dryRun *fakeBroker) (*buyloop.Loop, *storage.SQLiteStore) {
	t.Helper()
	db, err := storage.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	w := ledger.New(t.TempDir()+"/ledger", t.TempDir()+"/dry_run.json")
	cfg := domain.DefaultExecutionConfig()
	cfg.EntryDelayAfterOpen = 0

	loop := buyloop.New(buyloop.Deps{
		Store:        db,
		MD:           md,
		Broker:       broker,
		DryRunBroker: dryRun,
		Ledger:       w,
		Portfolio:    allowAllPortfolio{},
	}, cfg, 1)
	return loop, db
}
