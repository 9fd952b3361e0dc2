// Package sellloop implements C9. The stop-source-by-phase table and
// the trailing-ratchet guardrail are grounded on the teacher's
// domain.Position/CircuitBreaker style of small, invariant-enforcing
// mutator methods (see internal/domain/position.go's ApplyStopUpdate);
// reconciliation against broker open orders follows the teacher's
// "treat AlreadyExists/NotFound as convergent" pattern from its live
// order placement step.
package sellloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/execution-v2/internal/domain"
	"github.com/kvanhimbergen/execution-v2/internal/metrics"
	"github.com/kvanhimbergen/execution-v2/internal/ports"
)

// Deps bundles the sell loop's collaborators.
type Deps struct {
	Store  ports.StateStore
	MD     ports.MarketDataProvider
	Broker ports.BrokerAdapter
	Ledger ports.LedgerWriter
	Clock  ports.Clock
	Log    *slog.Logger
}

// Loop implements C9's exit pipeline.
type Loop struct {
	deps Deps
	cfg  domain.ExecutionConfig

	minStopDistancePct   float64
	minBarsSinceEntry    int
	minElapsedForStructure time.Duration
}

// New constructs a Loop with the guardrail constants from §4.9.
// minElapsedForStructure is driven by cfg.MinExitArmingSeconds so the
// MIN_EXIT_ARMING_SECONDS knob reported by config-check actually governs
// when structural stops are allowed to arm.
func New(deps Deps, cfg domain.ExecutionConfig) *Loop {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Loop{
		deps:                   deps,
		cfg:                    cfg,
		minStopDistancePct:     0.003,
		minBarsSinceEntry:      2,
		minElapsedForStructure: cfg.MinExitArmingSeconds,
	}
}

// Stats aggregates one cycle's exit-loop outcome.
type Stats struct {
	Evaluated    int
	StopsUpdated int
	TrimsR1      int
	TrimsR2      int
	Exits        int
	Errors       int
}

// Run processes every open position every cycle, independent of
// entry-side gates (exits are never blocked by the Safety Gate Stack).
func (l *Loop) Run(ctx context.Context, nyDate domain.NYDate, now time.Time) Stats {
	var stats Stats

	positions, err := l.deps.Store.ListOpenPositions(ctx)
	if err != nil {
		stats.Errors++
		l.deps.Log.Error("sellloop: list open positions failed", "err", err)
		return stats
	}

	for _, pos := range positions {
		stats.Evaluated++
		if err := l.processOne(ctx, pos, nyDate, now, &stats); err != nil {
			stats.Errors++
			metrics.ErrorsTotal.WithLabelValues("sellloop").Inc()
			l.deps.Log.Warn("sellloop: process position failed", "symbol", pos.Symbol, "err", err)
		}
	}
	return stats
}

func (l *Loop) processOne(ctx context.Context, pos domain.Position, nyDate domain.NYDate, now time.Time, stats *Stats) error {
	if pos.IsFlat() {
		return nil
	}

	phase := l.deps.Clock.MarketPhase(now)

	candidateStop, ok, err := l.computeStructuralStop(ctx, pos, phase, now)
	if err != nil {
		return fmt.Errorf("compute structural stop: %w", err)
	}
	if ok {
		if pos.ApplyStopUpdate(candidateStop, now) {
			if err := l.replaceStop(ctx, &pos, nyDate, now); err != nil {
				return fmt.Errorf("replace stop: %w", err)
			}
			stats.StopsUpdated++
		}
	}

	trade, err := l.deps.MD.LastTrade(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("last trade: %w", err)
	}

	if !pos.R1Done && l.hitsLevel(trade.Price, pos, firstTargetFromIntent) {
		if err := l.trim(ctx, &pos, domain.PurposeTrimR1, nyDate, now); err != nil {
			return fmt.Errorf("trim r1: %w", err)
		}
		pos.R1Done = true
		stats.TrimsR1++
	}
	if pos.R1Done && !pos.R2Done && l.hitsLevel(trade.Price, pos, secondTargetFromIntent) {
		if err := l.trim(ctx, &pos, domain.PurposeTrimR2, nyDate, now); err != nil {
			return fmt.Errorf("trim r2: %w", err)
		}
		pos.R2Done = true
		stats.TrimsR2++
	}

	if trade.Price.LessThanOrEqual(pos.CurrentStop) {
		if err := l.exit(ctx, &pos, nyDate, now); err != nil {
			return fmt.Errorf("exit: %w", err)
		}
		stats.Exits++
	}

	return l.deps.Store.UpsertPosition(ctx, pos)
}

type targetKind int

const (
	firstTargetFromIntent targetKind = iota
	secondTargetFromIntent
)

// hitsLevel compares the last trade against the R1/R2 levels carried on
// the position since fill time (copied from the originating intent).
func (l *Loop) hitsLevel(price decimal.Decimal, pos domain.Position, kind targetKind) bool {
	var level decimal.Decimal
	switch kind {
	case firstTargetFromIntent:
		level = pos.R1
	case secondTargetFromIntent:
		level = pos.R2
	}
	if level.IsZero() {
		return false
	}
	return price.GreaterThanOrEqual(level)
}

// structuralBarInterval is the bar size the structural-stop bar count is
// measured in, matching LastTwoClosedTenMinuteBars.
const structuralBarInterval = 10 * time.Minute

// computeStructuralStop returns the higher of the two most recent closed
// 10-minute bar lows as the structural stop, once enough time and bars
// have passed since entry and that low sits at least minStopDistancePct
// below the average entry. EarlyTrend and Normal use this same intraday
// rule; no daily swing-low is used in either phase. OpenNoise,
// ClosePotect, Holiday, Pre and Post yield no structural stop.
func (l *Loop) computeStructuralStop(ctx context.Context, pos domain.Position, phase domain.MarketPhase, now time.Time) (decimal.Decimal, bool, error) {
	switch phase {
	case domain.PhaseOpenNoise, domain.PhaseClosePotect, domain.PhaseHoliday, domain.PhasePre, domain.PhasePost:
		return decimal.Zero, false, nil // initial bracket stop only / frozen
	}

	if now.Sub(pos.OpenedTSUTC) < l.minElapsedForStructure {
		return decimal.Zero, false, nil
	}
	barsSinceEntry := int(now.Sub(pos.OpenedTSUTC) / structuralBarInterval)
	if barsSinceEntry < l.minBarsSinceEntry {
		return decimal.Zero, false, nil // too few closed bars since entry to trust structure
	}

	bars, err := l.deps.MD.LastTwoClosedTenMinuteBars(ctx, pos.Symbol)
	if err != nil {
		return decimal.Zero, false, err
	}

	higherLow := bars[0].Low
	if bars[1].Low.GreaterThan(higherLow) {
		higherLow = bars[1].Low
	}

	minDistance := pos.AvgEntry.Mul(decimal.NewFromFloat(l.minStopDistancePct))
	if pos.AvgEntry.Sub(higherLow).LessThan(minDistance) {
		return decimal.Zero, false, nil // too tight to respect the guardrail
	}
	return higherLow, true, nil
}

func (l *Loop) replaceStop(ctx context.Context, pos *domain.Position, nyDate domain.NYDate, now time.Time) error {
	clientOrderID := fmt.Sprintf("%s|%s|stop-update|%d", pos.Symbol, pos.StrategyID, now.Unix())

	existing, err := l.deps.Broker.ListOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	for _, o := range existing {
		if o.Status != domain.OrderStatusOpen {
			continue
		}
		if err := l.deps.Broker.Cancel(ctx, o.OrderID); err != nil {
			if be, ok := err.(*domain.BrokerError); !ok || (be.Kind != domain.BrokerAlreadyExists) {
				l.deps.Log.Warn("sellloop: cancel superseded stop failed", "symbol", pos.Symbol, "order_id", o.OrderID, "err", err)
			}
		}
	}

	order, err := l.deps.Broker.SubmitStop(ctx, domain.StopRequest{
		Symbol:        pos.Symbol,
		Quantity:      pos.QtyOpen,
		StopPrice:     pos.CurrentStop,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		be, ok := err.(*domain.BrokerError)
		if ok && be.Kind == domain.BrokerAlreadyExists {
			return nil // convergent
		}
		return err
	}

	metrics.OrdersTotal.WithLabelValues(string(domain.PurposeStopUpdate), string(l.deps.Broker.Mode())).Inc()
	rec := domain.OrderLedgerRecord{
		RecordType:    domain.RecordOrderSubmitted,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        nyDate,
		TSUTC:         now,
		Symbol:        pos.Symbol,
		Purpose:       domain.PurposeStopUpdate,
		BrokerOrderID: order.OrderID,
		Status:        order.Status,
		Quantity:      pos.QtyOpen,
		Price:         pos.CurrentStop.String(),
	}
	book := bookForMode(l.deps.Broker.Mode())
	if _, err := l.deps.Ledger.AppendOrderEvent(book, rec); err != nil {
		l.deps.Log.Warn("sellloop: stop ledger append failed", "symbol", pos.Symbol, "err", err)
	}
	return nil
}

func (l *Loop) trim(ctx context.Context, pos *domain.Position, purpose domain.OrderPurpose, nyDate domain.NYDate, now time.Time) error {
	qty := int64(float64(pos.QtyOpen) * l.cfg.TrimFraction)
	if qty <= 0 || qty > pos.QtyOpen {
		return nil
	}
	clientOrderID := fmt.Sprintf("%s|%s|%s", pos.Symbol, pos.StrategyID, purpose)

	order, err := l.deps.Broker.SubmitStop(ctx, domain.StopRequest{
		Symbol:        pos.Symbol,
		Quantity:      qty,
		StopPrice:     decimal.Zero, // market trim; AlpacaBroker sends a zero stop as a market sell
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		be, ok := err.(*domain.BrokerError)
		if ok && be.Kind == domain.BrokerAlreadyExists {
			return nil
		}
		return err
	}

	pos.QtyOpen -= qty
	metrics.OrdersTotal.WithLabelValues(string(purpose), string(l.deps.Broker.Mode())).Inc()
	rec := domain.OrderLedgerRecord{
		RecordType:    domain.RecordOrderSubmitted,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        nyDate,
		TSUTC:         now,
		Symbol:        pos.Symbol,
		Purpose:       purpose,
		BrokerOrderID: order.OrderID,
		Status:        order.Status,
		Quantity:      qty,
	}
	book := bookForMode(l.deps.Broker.Mode())
	if _, err := l.deps.Ledger.AppendOrderEvent(book, rec); err != nil {
		l.deps.Log.Warn("sellloop: trim ledger append failed", "symbol", pos.Symbol, "purpose", purpose, "err", err)
	}
	return nil
}

func (l *Loop) exit(ctx context.Context, pos *domain.Position, nyDate domain.NYDate, now time.Time) error {
	clientOrderID := fmt.Sprintf("%s|%s|exit|%d", pos.Symbol, pos.StrategyID, now.Unix())

	order, err := l.deps.Broker.SubmitStop(ctx, domain.StopRequest{
		Symbol:        pos.Symbol,
		Quantity:      pos.QtyOpen,
		StopPrice:     decimal.Zero,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		be, ok := err.(*domain.BrokerError)
		if !(ok && be.Kind == domain.BrokerAlreadyExists) {
			return err
		}
	}

	pos.ExitState = domain.ExitClosed
	pos.QtyOpen = 0
	metrics.OrdersTotal.WithLabelValues(string(domain.PurposeExit), string(l.deps.Broker.Mode())).Inc()
	rec := domain.OrderLedgerRecord{
		RecordType:    domain.RecordFillDetected,
		SchemaVersion: domain.LedgerSchemaVersion,
		NYDate:        nyDate,
		TSUTC:         now,
		Symbol:        pos.Symbol,
		Purpose:       domain.PurposeExit,
		BrokerOrderID: order.OrderID,
		Status:        domain.OrderStatusFilled,
	}
	book := bookForMode(l.deps.Broker.Mode())
	if _, err := l.deps.Ledger.AppendOrderEvent(book, rec); err != nil {
		l.deps.Log.Warn("sellloop: exit ledger append failed", "symbol", pos.Symbol, "err", err)
	}
	return l.deps.Store.SetSymbolPhase(ctx, nyDate, pos.StrategyID, pos.Symbol, domain.PhaseFlat)
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
