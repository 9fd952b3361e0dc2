// Package domain contains the entities and invariants of the execution
// engine: candidates, intents, positions, ledger records, and the
// portfolio/gate decisions that gate them.
package domain

import "time"

// NYDate is a calendar date in America/New_York, formatted YYYY-MM-DD.
// All per-day artifacts (candidate files, ledgers, one-shot entries) are
// keyed by it rather than by UTC date, since the trading day rolls over
// at NY midnight, not UTC midnight.
type NYDate string

// Direction is the side of a candidate. The engine is long-only.
type Direction string

// DirectionLong is the only supported direction.
const DirectionLong Direction = "LONG"

// IntentStatus is the lifecycle state of an EntryIntent.
type IntentStatus string

const (
	IntentScheduled IntentStatus = "Scheduled"
	IntentSubmitted IntentStatus = "Submitted"
	IntentFilled    IntentStatus = "Filled"
	IntentCancelled IntentStatus = "Cancelled"
	IntentExpired   IntentStatus = "Expired"
)

// IsTerminal reports whether the intent can no longer transition.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentFilled, IntentCancelled, IntentExpired:
		return true
	default:
		return false
	}
}

// ExitState is the lifecycle state of a Position.
type ExitState string

const (
	ExitFlat     ExitState = "Flat"
	ExitEntering ExitState = "Entering"
	ExitOpen     ExitState = "Open"
	ExitExiting  ExitState = "Exiting"
	ExitClosed   ExitState = "Closed"
)

// SymbolPhase is the lifecycle phase tracked per (ny_date, strategy_id, symbol).
type SymbolPhase string

const (
	PhaseFlat     SymbolPhase = "Flat"
	PhaseEntering SymbolPhase = "Entering"
	PhaseOpen     SymbolPhase = "Open"
	PhaseExiting  SymbolPhase = "Exiting"
)

// MarketPhase is the session-time-of-day bucket C1 computes. It governs
// which stop source C9 may use and whether the tight poll cadence applies.
type MarketPhase string

const (
	PhasePre        MarketPhase = "Pre"
	PhaseOpenNoise  MarketPhase = "OpenNoise"
	PhaseEarlyTrend MarketPhase = "EarlyTrend"
	PhaseNormal     MarketPhase = "Normal"
	PhaseClosePotect MarketPhase = "ClosePotect"
	PhasePost       MarketPhase = "Post"
	PhaseHoliday    MarketPhase = "Holiday"
)

// MarketOpen reports whether the phase corresponds to regular trading hours.
func (p MarketPhase) MarketOpen() bool {
	switch p {
	case PhaseOpenNoise, PhaseEarlyTrend, PhaseNormal, PhaseClosePotect:
		return true
	default:
		return false
	}
}

// OrderPurpose identifies why an order was submitted. Combined with an
// intent_id it forms the idempotency key enforced by the order ledger.
type OrderPurpose string

const (
	PurposeEntry      OrderPurpose = "Entry"
	PurposeStopInit   OrderPurpose = "StopInit"
	PurposeTrimR1     OrderPurpose = "TrimR1"
	PurposeTrimR2     OrderPurpose = "TrimR2"
	PurposeStopUpdate OrderPurpose = "StopUpdate"
	PurposeExit       OrderPurpose = "Exit"
)

// OrderStatus mirrors the broker-reported lifecycle of a submitted order.
type OrderStatus string

const (
	OrderStatusSubmitted OrderStatus = "Submitted"
	OrderStatusOpen      OrderStatus = "Open"
	OrderStatusPartial   OrderStatus = "Partial"
	OrderStatusFilled    OrderStatus = "Filled"
	OrderStatusCancelled OrderStatus = "Cancelled"
	OrderStatusRejected  OrderStatus = "Rejected"
)

// NYDateFromTime formats t (any timezone) as the NY calendar date.
func NYDateFromTime(t time.Time, loc *time.Location) NYDate {
	return NYDate(t.In(loc).Format("2006-01-02"))
}
