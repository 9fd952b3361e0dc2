package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultStrategyID is used when a candidate row omits Strategy_ID.
const DefaultStrategyID = "S1_AVWAP_CORE"

// Candidate is an external row produced by the (out-of-scope) daily scan
// pipeline. It is loaded fresh each cycle from the day's candidate file
// and cached with a day-scoped expiration; C8 is the sole consumer.
type Candidate struct {
	Symbol       string
	Direction    Direction
	EntryLevel   decimal.Decimal
	StopLoss     decimal.Decimal
	TargetR1     decimal.Decimal
	TargetR2     decimal.Decimal
	EntryDistPct decimal.Decimal
	StrategyID   string
	ScanDate     NYDate // optional in the file; zero value means absent
}

// Validate enforces the required-column invariant from §9: missing
// required fields fail the whole candidate closed, rather than silently
// defaulting them.
func (c Candidate) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("candidate: missing Symbol")
	}
	if c.Direction != DirectionLong {
		return fmt.Errorf("candidate %s: unsupported Direction %q (long only)", c.Symbol, c.Direction)
	}
	if c.EntryLevel.IsZero() {
		return fmt.Errorf("candidate %s: missing Entry_Level", c.Symbol)
	}
	if c.StopLoss.IsZero() {
		return fmt.Errorf("candidate %s: missing Stop_Loss", c.Symbol)
	}
	if c.TargetR1.IsZero() {
		return fmt.Errorf("candidate %s: missing Target_R1", c.Symbol)
	}
	if c.TargetR2.IsZero() {
		return fmt.Errorf("candidate %s: missing Target_R2", c.Symbol)
	}
	if c.EntryDistPct.IsZero() {
		return fmt.Errorf("candidate %s: missing Entry_DistPct", c.Symbol)
	}
	if c.StopLoss.GreaterThanOrEqual(c.EntryLevel) {
		return fmt.Errorf("candidate %s: Stop_Loss must be below Entry_Level", c.Symbol)
	}
	return nil
}

// EffectiveStrategyID returns StrategyID or the default when unset.
func (c Candidate) EffectiveStrategyID() string {
	if c.StrategyID == "" {
		return DefaultStrategyID
	}
	return c.StrategyID
}

// PivotRounded rounds the entry level to a stable precision for intent_id
// hashing, so insignificant float jitter across cycles doesn't mint a new
// intent_id for what is semantically the same pivot.
func (c Candidate) PivotRounded() decimal.Decimal {
	return c.EntryLevel.Round(4)
}
