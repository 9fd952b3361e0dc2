// Package buyloop implements C8. The two-phase split (evaluate →
// schedule, then submit-when-due) mirrors the teacher's own live engine
// pipeline (internal/application/engine/live's multi-step RunOnce:
// gate check → size → submit, recorded into pipelineStats) adapted to
// the spec's intent/ledger idempotency model instead of direct
// fire-and-forget order placement.
package buyloop

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/metrics"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

// Deps bundles the buy loop's collaborators.
type Deps struct {
	Store     ports.StateStore
	MD        ports.MarketDataProvider
	Broker    ports.BrokerAdapter
	// DryRunBroker is the submission target whenever the gate stack has
	// downgraded the effective mode for the cycle below Broker's own
	// mode while still passing (live-confirm failure, live-ledger
	// absence) — entries must never reach the configured live/paper
	// broker once gate 4/5 has downgraded the cycle. A kill-switched
	// cycle fails the gate, and no due intent is submitted to either
	// broker. Defaults to Broker when unset
	// so callers already running Broker in DRY_RUN need not wire it.
	DryRunBroker ports.BrokerAdapter
	Ledger       ports.LedgerWriter
	Portfolio    ports.PortfolioDecisionReader
	Log          *slog.Logger
}

// Loop implements C8's buy-side pipeline.
type Loop struct {
	deps Deps
	cfg  domain.ExecutionConfig
	rng  *rand.Rand
}

// New constructs a Loop. seed controls the randomized entry-delay jitter
// deterministically for tests; production callers pass a time-derived seed.
func New(deps Deps, cfg domain.ExecutionConfig, seed int64) *Loop {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.DryRunBroker == nil {
		deps.DryRunBroker = deps.Broker
	}
	return &Loop{deps: deps, cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Stats aggregates one cycle's buy-loop outcome for the heartbeat and
// portfolio-decision ledger record, mirroring the teacher's pipelineStats.
type Stats struct {
	Evaluated      int
	Scheduled      int
	Submitted      int
	Filled         int
	Skipped        map[domain.SkipReason]int
	Errors         int
}

func newStats() Stats {
	return Stats{Skipped: make(map[domain.SkipReason]int)}
}

func (s *Stats) skip(reason domain.SkipReason) {
	s.Skipped[reason]++
}

// EvaluateCandidates runs steps 1-6: BOH confirmation through intent
// persistence. It does not submit orders — SubmitDueIntents does that
// once planned_entry_time_utc has elapsed.
func (l *Loop) EvaluateCandidates(ctx context.Context, decision domain.GateDecision, candidates []domain.Candidate, nyDate domain.NYDate, now, marketOpen time.Time) Stats {
	stats := newStats()

	if !decision.EntriesAllowed() {
		reason := firstReason(decision.Reasons, domain.SkipPortfolioArtifactInvalid)
		for range candidates {
			stats.skip(reason)
		}
		return stats
	}

	if now.Before(marketOpen.Add(l.cfg.EntryDelayAfterOpen)) {
		stats.Skipped[domain.SkipMinDelayAfterOpen] = len(candidates)
		return stats
	}

	for _, c := range candidates {
		stats.Evaluated++
		if err := l.evaluateOne(ctx, decision, c, nyDate, now, &stats); err != nil {
			stats.Errors++
			metrics.ErrorsTotal.WithLabelValues("buyloop").Inc()
			l.deps.Log.Warn("buyloop: evaluate candidate failed", "symbol", c.Symbol, "err", err)
		}
	}
	return stats
}

func firstReason(reasons []domain.SkipReason, fallback domain.SkipReason) domain.SkipReason {
	if len(reasons) > 0 {
		return reasons[0]
	}
	return fallback
}

func (l *Loop) evaluateOne(ctx context.Context, decision domain.GateDecision, c domain.Candidate, nyDate domain.NYDate, now time.Time, stats *Stats) error {
	strategyID := c.EffectiveStrategyID()

	if !decision.IsAllowlisted(c.Symbol) {
		stats.skip(domain.SkipNotAllowlisted)
		return nil
	}
	if reason, blocked := decision.Blocks[c.Symbol]; blocked {
		stats.skip(reason)
		return nil
	}

	lifecycle, ok, err := l.deps.Store.GetSymbolLifecycle(ctx, nyDate, strategyID, c.Symbol)
	if err != nil {
		return fmt.Errorf("get lifecycle: %w", err)
	}
	if ok && lifecycle.Phase != domain.PhaseFlat {
		return nil // already entering/open/exiting
	}
	if ok && l.cfg.OneShotPerSymbolEnabled && lifecycle.CooldownActive(now) {
		stats.skip(domain.SkipOneShotCooldown)
		return nil
	}

	if l.deps.Portfolio != nil {
		artifact, ok, reason := l.deps.Portfolio.Load(ctx, nyDate)
		if !ok {
			stats.skip(domain.SkipPortfolioArtifactInvalid)
			return nil
		}
		if allow, blockReason := artifact.Permit(c.Symbol, strategyID); !allow {
			stats.skip(domain.SkipPortfolioBlock)
			l.deps.Log.Debug("buyloop: portfolio decision blocked entry", "symbol", c.Symbol, "reason", blockReason, "artifact_reason", reason)
			return nil
		}
	}

	confirmed, err := l.confirmBOH(ctx, c)
	if err != nil {
		return fmt.Errorf("boh confirmation: %w", err)
	}
	if !confirmed {
		stats.skip(domain.SkipBOHNotConfirmed)
		return nil
	}

	qty, err := l.sizePosition(ctx, decision, c)
	if err != nil {
		return fmt.Errorf("sizing: %w", err)
	}
	if qty <= 0 {
		stats.skip(domain.SkipSizeTooSmall)
		return nil
	}

	intent := domain.EntryIntent{
		IntentID:            domain.IntentID(nyDate, strategyID, c.Symbol, c.PivotRounded()),
		NYDate:              nyDate,
		Symbol:              c.Symbol,
		StrategyID:          strategyID,
		Pivot:               c.EntryLevel,
		Stop:                c.StopLoss,
		R1:                  c.TargetR1,
		R2:                  c.TargetR2,
		Quantity:            qty,
		PlannedEntryTimeUTC: now.Add(l.randomizedDelay()),
		Status:              domain.IntentScheduled,
		CreatedAtUTC:        now,
	}
	stored, err := l.deps.Store.PutEntryIntent(ctx, intent)
	if err != nil {
		return fmt.Errorf("persist intent: %w", err)
	}
	if stored.Status == domain.IntentScheduled {
		stats.Scheduled++
		metrics.IntentsTotal.WithLabelValues(strategyID).Inc()
	}
	return nil
}

// confirmBOH implements the two-bar break-over-high confirmation and, if
// the feature is enabled, the bounded Edge Window re-check loop.
func (l *Loop) confirmBOH(ctx context.Context, c domain.Candidate) (bool, error) {
	check := func() (bool, decimal.Decimal, error) {
		bars, err := l.deps.MD.LastTwoClosedTenMinuteBars(ctx, c.Symbol)
		if err != nil {
			return false, decimal.Zero, err
		}
		confirmed := bars[0].Close.GreaterThan(c.EntryLevel) && bars[1].Close.GreaterThan(c.EntryLevel)
		return confirmed, bars[1].Close, nil
	}

	confirmed, lastClose, err := check()
	if err != nil {
		return false, err
	}
	if confirmed || !l.cfg.EdgeWindowEnabled {
		return confirmed, nil
	}

	proximity := c.EntryLevel.Mul(decimal.NewFromFloat(l.cfg.EdgeWindowProximityPct))
	if lastClose.Sub(c.EntryLevel).Abs().GreaterThan(proximity) {
		return false, nil // not close enough to bother re-checking
	}

	for i := 0; i < l.cfg.EdgeWindowRechecks; i++ {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.cfg.EdgeWindowRecheckDelay):
		}
		confirmed, _, err := check()
		if err != nil {
			return false, err
		}
		if confirmed {
			return true, nil
		}
	}
	return false, nil
}

// maxCorrelationPenalty caps how much concurrent open positions can shrink
// a new entry's size — even with many correlated names open, sizing never
// drops below half of the uncorrelated formula.
const maxCorrelationPenalty = 0.5

// perPositionCorrelationPenalty is the sizing haircut applied per existing
// open position when correlation sizing is enabled (§9's "correlation
// sizing" feature-flagged subsystem; spec.md does not name the per-position
// magnitude, so this value and its cap are a documented Open Question
// decision — see DESIGN.md).
const perPositionCorrelationPenalty = 0.1

// sizePosition implements §4.8 step 5's sizing formula:
//
//	qty = floor(equity * base_risk_pct * risk_scale * (1 - correlation_penalty) / Entry_DistPct / Entry_Level)
//
// clipped by both the per-symbol notional cap and the global gross-notional
// cap against currently open exposure.
func (l *Loop) sizePosition(ctx context.Context, decision domain.GateDecision, c domain.Candidate) (int64, error) {
	equity, err := l.deps.Broker.GetAccountEquity(ctx)
	if err != nil {
		return 0, fmt.Errorf("account equity: %w", err)
	}
	if equity <= 0 || c.EntryDistPct.IsZero() {
		return 0, nil
	}

	correlationPenalty := 0.0
	if l.cfg.CorrelationSizingEnabled {
		openPositions, err := l.deps.Store.ListOpenPositions(ctx)
		if err != nil {
			return 0, fmt.Errorf("list open positions: %w", err)
		}
		correlationPenalty = float64(len(openPositions)) * perPositionCorrelationPenalty
		if correlationPenalty > maxCorrelationPenalty {
			correlationPenalty = maxCorrelationPenalty
		}
	}

	riskBudget := equity * l.cfg.BaseRiskPct * l.cfg.RiskScale * (1 - correlationPenalty)
	distPct, _ := c.EntryDistPct.Float64()
	if distPct <= 0 {
		return 0, nil
	}
	dollarsAtRisk := riskBudget / distPct
	entryPrice := mustFloat(c.EntryLevel)
	qty := int64(dollarsAtRisk / entryPrice)

	if decision.Caps.MaxNotionalPerSymbol > 0 {
		maxQty := int64(decision.Caps.MaxNotionalPerSymbol / entryPrice)
		if qty > maxQty {
			qty = maxQty
		}
	}

	if decision.Caps.MaxGrossNotional > 0 {
		grossNotional, err := l.currentGrossNotional(ctx)
		if err != nil {
			return 0, fmt.Errorf("gross notional: %w", err)
		}
		headroom := decision.Caps.MaxGrossNotional - grossNotional
		if headroom <= 0 {
			return 0, nil
		}
		if maxQty := int64(headroom / entryPrice); qty > maxQty {
			qty = maxQty
		}
	}

	if qty < 0 {
		qty = 0
	}
	return qty, nil
}

// currentGrossNotional sums the notional value of every open position,
// the basis gate 6 / sizing both clip new entries against (§4.6 step 6,
// §4.8 step 5).
func (l *Loop) currentGrossNotional(ctx context.Context) (float64, error) {
	positions, err := l.deps.Store.ListOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, p := range positions {
		total += float64(p.QtyOpen) * mustFloat(p.AvgEntry)
	}
	return total, nil
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// randomizedDelay spreads order submission across a short jitter window
// so concurrently-scheduled intents don't all hit the broker in the same
// instant.
func (l *Loop) randomizedDelay() time.Duration {
	const maxJitter = 20 * time.Second
	return time.Duration(l.rng.Int63n(int64(maxJitter)))
}

// brokerFor resolves the submission target for the cycle. Gate 1 (kill
// switch) sets decision.Pass=false and must keep entries off the
// configured broker entirely; gates 4/5 (live-confirm/live-ledger) leave
// Pass untouched but already downgraded decision.Mode, so routing here by
// mode covers both: whenever the effective mode for the cycle no longer
// matches what the configured broker actually talks to, new entries go to
// the dry-run broker instead (§4.6, Testable Property #4).
func (l *Loop) brokerFor(decision domain.GateDecision) ports.BrokerAdapter {
	if !decision.EntriesAllowed() || decision.Mode != l.deps.Broker.Mode() {
		return l.deps.DryRunBroker
	}
	return l.deps.Broker
}

// SubmitDueIntents implements §4.8 steps 7-8: submit brackets for
// intents whose planned_entry_time_utc has elapsed, then reconcile fills.
// decision carries the cycle's resolved mode so submission can be routed
// away from a live/paper broker the instant the gate stack downgrades.
func (l *Loop) SubmitDueIntents(ctx context.Context, now time.Time, decision domain.GateDecision) Stats {
	stats := newStats()
	broker := l.brokerFor(decision)

	due, err := l.deps.Store.PopDueEntryIntents(ctx, now)
	if err != nil {
		stats.Errors++
		l.deps.Log.Error("buyloop: pop due intents failed", "err", err)
		return stats
	}

	for _, intent := range due {
		if !decision.EntriesAllowed() {
			stats.skip(domain.SkipModeDowngraded)
			continue
		}
		if err := l.submitOne(ctx, broker, intent, now, &stats); err != nil {
			stats.Errors++
			metrics.ErrorsTotal.WithLabelValues("buyloop").Inc()
			l.deps.Log.Warn("buyloop: submit intent failed", "intent_id", intent.IntentID, "symbol", intent.Symbol, "err", err)
		}
	}

	if err := l.reconcilePendingEntries(ctx, broker, now, &stats); err != nil {
		stats.Errors++
		l.deps.Log.Error("buyloop: reconcile pending entries failed", "err", err)
	}
	return stats
}

func (l *Loop) submitOne(ctx context.Context, broker ports.BrokerAdapter, intent domain.EntryIntent, now time.Time, stats *Stats) error {
	clientOrderID := intent.IntentID + "|" + string(domain.PurposeEntry)

	existing, wasNew, err := l.deps.Store.RecordOrderOnce(ctx, intent.IntentID, domain.PurposeEntry, "", domain.OrderStatusSubmitted)
	if err != nil {
		return fmt.Errorf("record order once: %w", err)
	}
	if !wasNew && existing != "" {
		return nil // already submitted in a prior cycle
	}

	order, err := broker.SubmitBracket(ctx, domain.BracketRequest{
		Symbol:        intent.Symbol,
		Quantity:      intent.Quantity,
		LimitPrice:    intent.Pivot,
		StopPrice:     intent.Stop,
		TakeProfit:    intent.R2,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		be, ok := err.(*domain.BrokerError)
		switch {
		case ok && (be.Kind == domain.BrokerAlreadyExists || be.Kind.Retriable()):
			return nil // leave for retry/reconciliation next cycle
		default:
			if updErr := l.deps.Store.UpdateIntentStatus(ctx, intent.IntentID, domain.IntentCancelled); updErr != nil {
				return updErr
			}
			return err
		}
	}

	if err := l.deps.Store.UpdateExternalOrderID(ctx, intent.IntentID, domain.PurposeEntry, order.OrderID); err != nil {
		return fmt.Errorf("update external order id: %w", err)
	}
	if err := l.deps.Store.UpdateOrderStatus(ctx, intent.IntentID, domain.PurposeEntry, order.Status); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rec := domain.OrderLedgerRecord{
		RecordType:    domain.RecordOrderSubmitted,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        intent.NYDate,
		TSUTC:         now,
		IntentID:      intent.IntentID,
		Symbol:        intent.Symbol,
		Purpose:       domain.PurposeEntry,
		BrokerOrderID: order.OrderID,
		Status:        order.Status,
		Quantity:      intent.Quantity,
		Price:         intent.Pivot.String(),
	}
	book := bookForMode(broker.Mode())
	if _, err := l.deps.Ledger.AppendOrderEvent(book, rec); err != nil {
		l.deps.Log.Warn("buyloop: ledger append failed", "intent_id", intent.IntentID, "err", err)
	}
	metrics.OrdersTotal.WithLabelValues(string(domain.PurposeEntry), string(broker.Mode())).Inc()
	stats.Submitted++

	if err := l.deps.Store.UpdateIntentStatus(ctx, intent.IntentID, domain.IntentSubmitted); err != nil {
		return fmt.Errorf("update intent status: %w", err)
	}

	if order.Status == domain.OrderStatusFilled {
		if err := l.onFilled(ctx, broker, intent, order, now, &rec); err != nil {
			return fmt.Errorf("post-fill: %w", err)
		}
		stats.Filled++
	}
	return nil
}

// reconcilePendingEntries implements §4.8 step 8's next-cycle fill
// detection: a resting bracket order (e.g. ALPACA's limit entry) may not
// fill synchronously within submitOne, so every cycle re-checks every
// intent still marked IntentSubmitted against the broker's own view of
// open orders and positions.
func (l *Loop) reconcilePendingEntries(ctx context.Context, broker ports.BrokerAdapter, now time.Time, stats *Stats) error {
	pending, err := l.deps.Store.ListSubmittedEntryIntents(ctx)
	if err != nil {
		return fmt.Errorf("list submitted intents: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	positions, err := broker.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}
	byFilledSymbol := make(map[string]domain.BrokerPosition, len(positions))
	for _, p := range positions {
		if p.Quantity > 0 {
			byFilledSymbol[p.Symbol] = p
		}
	}

	for _, intent := range pending {
		if err := l.reconcileOne(ctx, broker, intent, byFilledSymbol, now, stats); err != nil {
			stats.Errors++
			l.deps.Log.Warn("buyloop: reconcile intent failed", "intent_id", intent.IntentID, "symbol", intent.Symbol, "err", err)
		}
	}
	return nil
}

func (l *Loop) reconcileOne(ctx context.Context, broker ports.BrokerAdapter, intent domain.EntryIntent, byFilledSymbol map[string]domain.BrokerPosition, now time.Time, stats *Stats) error {
	ledgerEntry, ok, err := l.deps.Store.GetOrder(ctx, intent.IntentID, domain.PurposeEntry)
	if err != nil {
		return fmt.Errorf("get order: %w", err)
	}
	if !ok || ledgerEntry.BrokerOrderID == "" {
		return nil // not yet submitted by this process; leave for a later cycle
	}

	var order domain.BrokerOrder
	orders, err := broker.ListOpenOrders(ctx, intent.Symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	found := false
	for _, o := range orders {
		if o.OrderID == ledgerEntry.BrokerOrderID {
			order, found = o, true
			break
		}
	}

	switch {
	case found && order.Status == domain.OrderStatusFilled:
		// fall through to fill handling below
	case !found:
		// No longer resting — either filled and dropped off the open-orders
		// list, or cancelled out of band. A matching open position confirms
		// the fill; otherwise leave the intent as-is for the operator to
		// investigate rather than guessing.
		pos, ok := byFilledSymbol[intent.Symbol]
		if !ok {
			return nil
		}
		order = domain.BrokerOrder{
			OrderID:        ledgerEntry.BrokerOrderID,
			Symbol:         pos.Symbol,
			Quantity:       intent.Quantity,
			FilledQty:      pos.Quantity,
			FilledAvgPrice: pos.AvgEntry,
			Status:         domain.OrderStatusFilled,
			SubmittedAt:    now,
		}
	default:
		return nil // still resting, nothing to reconcile yet
	}

	if err := l.deps.Store.UpdateOrderStatus(ctx, intent.IntentID, domain.PurposeEntry, domain.OrderStatusFilled); err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	rec := domain.OrderLedgerRecord{
		RecordType:    domain.RecordOrderSubmitted,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        intent.NYDate,
		TSUTC:         now,
		IntentID:      intent.IntentID,
		Symbol:        intent.Symbol,
		Purpose:       domain.PurposeEntry,
		BrokerOrderID: ledgerEntry.BrokerOrderID,
		Status:        domain.OrderStatusFilled,
		Quantity:      intent.Quantity,
		Price:         intent.Pivot.String(),
	}
	if err := l.onFilled(ctx, broker, intent, order, now, &rec); err != nil {
		return fmt.Errorf("post-fill: %w", err)
	}
	stats.Filled++
	return nil
}

func (l *Loop) onFilled(ctx context.Context, broker ports.BrokerAdapter, intent domain.EntryIntent, order domain.BrokerOrder, now time.Time, rec *domain.OrderLedgerRecord) error {
	if err := l.deps.Store.UpdateIntentStatus(ctx, intent.IntentID, domain.IntentFilled); err != nil {
		return err
	}
	if err := l.deps.Store.SetSymbolPhase(ctx, intent.NYDate, intent.StrategyID, intent.Symbol, domain.PhaseOpen); err != nil {
		return err
	}
	cooldownExpires := now.Add(l.cfg.OneShotCooldownMinutes)
	if err := l.deps.Store.MarkEntryConsumed(ctx, intent.NYDate, intent.StrategyID, intent.Symbol, cooldownExpires); err != nil {
		return err
	}

	pos := domain.Position{
		Symbol:             intent.Symbol,
		StrategyID:         intent.StrategyID,
		IntentID:           intent.IntentID,
		QtyOpen:            order.FilledQty,
		AvgEntry:           order.FilledAvgPrice,
		InitialStop:        intent.Stop,
		CurrentStop:        intent.Stop,
		R1:                 intent.R1,
		R2:                 intent.R2,
		ExitState:          domain.ExitOpen,
		OpenedTSUTC:        now,
		LastStructureTSUTC: now,
	}
	if err := l.deps.Store.UpsertPosition(ctx, pos); err != nil {
		return err
	}

	fillRec := *rec
	fillRec.RecordType = domain.RecordFillDetected
	fillRec.Status = domain.OrderStatusFilled
	book := bookForMode(broker.Mode())
	if _, err := l.deps.Ledger.AppendOrderEvent(book, fillRec); err != nil {
		l.deps.Log.Warn("buyloop: fill ledger append failed", "intent_id", intent.IntentID, "err", err)
	}

	slippageBps := slippageBps(intent.Pivot, order.FilledAvgPrice)
	if err := l.deps.Ledger.AppendSlippage(domain.SlippageRecord{
		RecordType:    domain.RecordSlippage,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        intent.NYDate,
		TSUTC:         now,
		IntentID:      intent.IntentID,
		Symbol:        intent.Symbol,
		ExpectedPrice: intent.Pivot.String(),
		IdealPrice:    intent.Pivot.String(),
		ActualPrice:   order.FilledAvgPrice.String(),
		SlippageBps:   slippageBps,
	}); err != nil {
		l.deps.Log.Warn("buyloop: slippage ledger append failed", "intent_id", intent.IntentID, "err", err)
	}
	return nil
}

func slippageBps(expected, actual decimal.Decimal) float64 {
	if expected.IsZero() {
		return 0
	}
	diff := actual.Sub(expected).Div(expected)
	f, _ := diff.Float64()
	return f * 10000
}

func bookForMode(mode domain.ExecutionMode) string {
	switch mode {
	case domain.ModeDryRun:
		return "DRY_RUN"
	case domain.ModePaperSim:
		return "PAPER_SIM"
	case domain.ModeAlpacaPaper:
		return "ALPACA_PAPER"
	default:
		return "LIVE"
	}
}
