package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is owned by the engine from fill until flat again.
// Invariant: CurrentStop is monotone non-decreasing once set (the
// trailing ratchet, §3/§8 invariant 2) — enforced by ApplyStopUpdate, the
// only mutator that is allowed to change CurrentStop.
type Position struct {
	Symbol              string
	StrategyID          string
	IntentID            string
	QtyOpen             int64
	AvgEntry            decimal.Decimal
	InitialStop         decimal.Decimal
	CurrentStop         decimal.Decimal
	R1                  decimal.Decimal
	R2                  decimal.Decimal
	R1Done              bool
	R2Done              bool
	ExitState           ExitState
	OpenedTSUTC         time.Time
	LastStructureTSUTC  time.Time
}

// ApplyStopUpdate tightens CurrentStop to candidate if candidate is
// strictly tighter (higher, for a long) than the current stop. Any
// computed stop that would loosen risk is discarded, per §4.9's trailing
// ratchet guardrail. Returns whether the stop actually moved.
func (p *Position) ApplyStopUpdate(candidate decimal.Decimal, now time.Time) bool {
	if p.CurrentStop.IsZero() || candidate.GreaterThan(p.CurrentStop) {
		p.CurrentStop = candidate
		p.LastStructureTSUTC = now
		return true
	}
	return false
}

// IsFlat reports whether the position has no shares open.
func (p Position) IsFlat() bool {
	return p.QtyOpen <= 0 || p.ExitState == ExitClosed || p.ExitState == ExitFlat
}
